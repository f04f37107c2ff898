package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/crpcgo/crpc/internal/demo"
	"github.com/crpcgo/crpc/pkg/meta"
	"github.com/crpcgo/crpc/pkg/procedure"
)

const (
	outputFlag   = "output"
	registryFlag = "registry"
)

// NewGenMetaCommand returns the command that writes the function registry of the
// built-in procedures.
func NewGenMetaCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gen-meta",
		Short: "Write the function registry of the built-in procedures",
		Long:  "Write the function registry of the built-in procedures as YAML. Internal functions are left out.",
		RunE:  genMeta,
		Args:  cobra.NoArgs,
	}
	cmd.Flags().StringP(outputFlag, "o", "", "the file to write the registry to (defaults to stdout)")
	return cmd
}

// NewValidateMetaCommand returns the command that checks a function registry against
// the built-in procedures.
func NewValidateMetaCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate-meta",
		Short: "Check a function registry against the built-in procedures",
		Long:  "Check that a function registry describes exactly the public functions of the built-in procedures.",
		RunE:  validateMeta,
		Args:  cobra.NoArgs,
	}
	cmd.Flags().String(registryFlag, "", "the function registry file to check")
	_ = cmd.MarkFlagRequired(registryFlag)
	return cmd
}

func demoRouter(opts ...procedure.RouterOption) (*procedure.Router, error) {
	r := procedure.NewRouter(opts...)
	if err := demo.Register(r, procedure.NewFactory(), demo.NewStore()); err != nil {
		return nil, err
	}
	return r, nil
}

func genMeta(cmd *cobra.Command, _ []string) error {
	r, err := demoRouter()
	if err != nil {
		return err
	}
	data, err := r.Meta().Marshal()
	if err != nil {
		return fmt.Errorf("failed to encode the function registry: %w", err)
	}

	output, _ := cmd.Flags().GetString(outputFlag)
	if output == "" {
		_, err = cmd.OutOrStdout().Write(data)
		return err
	}
	return os.WriteFile(output, data, 0o644)
}

func validateMeta(cmd *cobra.Command, _ []string) error {
	path, _ := cmd.Flags().GetString(registryFlag)
	reg, err := meta.Load(path)
	if err != nil {
		return err
	}

	// registration fails on functions the registry lacks or describes differently
	r, err := demoRouter(procedure.WithRegistry(reg))
	if err != nil {
		return err
	}

	var errs []error
	registered := r.Meta()
	for _, ns := range reg.Namespaces() {
		for _, name := range reg.Functions(ns) {
			if _, ok := registered.Lookup(ns, name); !ok {
				errs = append(errs, fmt.Errorf("%s has no procedure", meta.Qualify(ns, name)))
			}
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s: %d functions match\n", path, reg.Len())
	return err
}
