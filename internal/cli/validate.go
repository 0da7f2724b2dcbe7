// Package cli implements the mixbridge operator subcommands.
package cli

import (
	"fmt"
	"os"

	"github.com/lsm/mixbridge/internal/config"
	"github.com/lsm/mixbridge/internal/connector"
)

// RunValidate validates a connector definition file.
func RunValidate(args []string) error {
	if len(args) > 0 && (args[0] == "-h" || args[0] == "--help") {
		fmt.Println("Usage: mixbridge validate [path]\n\nValidates the connector definition (default: $MIXBRIDGE_CONFIG or /etc/mixbridge/connector.yaml).")
		return nil
	}

	path := definitionPath(args)
	problems := validateDefinitionFile(path)
	if len(problems) == 0 {
		fmt.Printf("%s is valid.\n", path)
		return nil
	}

	fmt.Fprintf(os.Stderr, "Found %d validation error(s) in %s:\n\n", len(problems), path)
	for _, ve := range problems {
		fmt.Fprintf(os.Stderr, "  field: %s\n  error: %s\n\n", ve.Field, ve.Message)
	}
	return fmt.Errorf("%d validation error(s) found", len(problems))
}

type validationError struct {
	Field   string
	Message string
}

func definitionPath(args []string) string {
	if len(args) > 0 && args[len(args)-1] != "" {
		return args[len(args)-1]
	}
	return config.PathFromEnv()
}

func validateDefinitionFile(path string) []validationError {
	def, err := config.NewLoader(path, nil).Load()
	if err != nil {
		return []validationError{{Field: "-", Message: err.Error()}}
	}
	if _, err := def.Validate(); err != nil {
		return flattenValidation(err)
	}
	return nil
}

// flattenValidation splits joined errors into one entry per problem.
func flattenValidation(err error) []validationError {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		var out []validationError
		for _, e := range joined.Unwrap() {
			out = append(out, flattenValidation(e)...)
		}
		return out
	}
	if ce, ok := connector.AsConfigError(err); ok {
		return []validationError{{Field: ce.Key, Message: ce.Message}}
	}
	return []validationError{{Field: "-", Message: err.Error()}}
}
