package cli

import (
	"fmt"
	"io"
	"os"
	"sort"

	guarderrors "github.com/pbcex/adminguard/errors"
)

// FormatErrorWithSuggestion writes err to stderr with its suggestion if
// available and returns err for chaining.
func FormatErrorWithSuggestion(err error) error {
	return FormatErrorWithSuggestionTo(os.Stderr, err)
}

// FormatErrorWithSuggestionTo writes to a specific writer.
func FormatErrorWithSuggestionTo(w io.Writer, err error) error {
	if err == nil {
		return nil
	}

	ge, ok := guarderrors.AsGuardError(err)
	if !ok {
		fmt.Fprintf(w, "Error: %v\n", err)
		return err
	}
	fmt.Fprintf(w, "Error: %s\n", ge.Error())
	if suggestion := ge.Suggestion(); suggestion != "" {
		fmt.Fprintf(w, "\nSuggestion: %s\n", suggestion)
	}
	if ctx := ge.Context(); len(ctx) > 0 {
		keys := make([]string, 0, len(ctx))
		for k := range ctx {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Fprintf(w, "\nDetails:\n")
		for _, k := range keys {
			fmt.Fprintf(w, "  %s: %s\n", k, ctx[k])
		}
	}
	return err
}
