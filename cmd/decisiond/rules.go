package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/decisiond/internal/config"
	"github.com/fyrsmithlabs/decisiond/internal/persistence"
	"github.com/fyrsmithlabs/decisiond/internal/rules"
)

var rulesJSON bool

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Inspect the persisted rule set",
}

var rulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List persisted rules",
	Long: `List the rules in the persistence database, including retired ones.

Examples:
  # Summary table
  decisiond rules list

  # Full records as JSON lines
  decisiond rules list --json`,
	RunE: runRulesList,
}

func init() {
	rulesListCmd.Flags().BoolVar(&rulesJSON, "json", false, "print full rule records as JSON lines")
	rulesCmd.AddCommand(rulesListCmd)
}

func runRulesList(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	dbPath, err := config.ExpandPath(cfg.Persistence.Path)
	if err != nil {
		return fmt.Errorf("resolving database path: %w", err)
	}
	store, err := persistence.NewStore(dbPath, zap.NewNop())
	if err != nil {
		return fmt.Errorf("opening persistence store: %w", err)
	}
	defer store.Close()

	records, err := store.List(cmd.Context(), persistence.CollectionRules)
	if err != nil {
		return fmt.Errorf("listing rules: %w", err)
	}

	if rulesJSON {
		encoder := json.NewEncoder(os.Stdout)
		for _, rec := range records {
			if err := encoder.Encode(rec.Payload); err != nil {
				return err
			}
		}
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATE\tCONFIDENCE\tPROVENANCE\tUSAGE\tACTION\tCONDITION")
	for _, rec := range records {
		var r rules.Rule
		if err := json.Unmarshal(rec.Payload, &r); err != nil {
			return fmt.Errorf("decoding rule %s: %w", rec.ID, err)
		}
		condition, err := json.Marshal(r.Condition)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\t%s\t%.2f\t%s\t%d\t%s\t%s\n",
			r.ID, r.State, r.Confidence, r.Provenance, r.UsageCount, r.Action.Kind, condition)
	}
	return w.Flush()
}
