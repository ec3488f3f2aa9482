package apply

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/tabflow-cloud/tabflow/internal/registry"
	"github.com/tabflow-cloud/tabflow/pkg/db"
	"github.com/tabflow-cloud/tabflow/pkg/flowdef"
	"github.com/tabflow-cloud/tabflow/pkg/log"
)

const (
	usage   = "apply [file]"
	short   = "Register the functions of a collection definition"
	long    = "This command parses a collection definition document and registers its functions, tables, dependencies and triggers"
	example = "tabflow apply collection.yaml"
)

// Cmd is the apply command.
var Cmd = &cobra.Command{
	Use:     usage,
	Short:   short,
	Long:    long,
	Example: example,
	Args:    cobra.ExactArgs(1),
	RunE:    apply,
}

func apply(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}

	definition, err := flowdef.Parse(data)
	if err != nil {
		return err
	}

	if err := db.Migrate(); err != nil {
		return err
	}

	versions, err := registry.Service(cmd.Context()).Apply(definition)
	if err != nil {
		return err
	}

	for _, version := range versions {
		log.Info("registered function", "name", version.Name, "version_id", version.ID)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "applied collection %v: %d functions\n",
		definition.Metadata.Name, len(versions))

	return nil
}
