package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/conductor/internal/templates"
	"github.com/ShayCichocki/conductor/pkg/models"
)

var templatesJSON bool

var templatesCmd = &cobra.Command{
	Use:     "templates",
	Aliases: []string{"template", "tpl"},
	Short:   "Manage job templates",
	Long: `Job templates are named policy bundles: default worker mode, parallelism,
retry limit, failure and merge policies, and the spawn profiles used to
plan a job. A job references a template by ID or name.`,
}

var templatesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List templates",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		list, err := a.engine.Templates().List()
		if err != nil {
			return err
		}
		if templatesJSON {
			return printJSON(list)
		}
		if len(list) == 0 {
			fmt.Println("No templates.")
			return nil
		}
		for _, t := range list {
			roles := make([]string, len(t.SpawnProfiles))
			for i, p := range t.SpawnProfiles {
				roles[i] = p.Role
			}
			fmt.Printf("%-28s %-28s %s\n", t.ID, t.Name, dimStyle.Render(fmt.Sprint(roles)))
		}
		return nil
	},
}

var templatesGetCmd = &cobra.Command{
	Use:   "get <id-or-name>",
	Short: "Show a template as YAML",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		t, err := a.engine.Templates().Resolve(args[0])
		if err != nil {
			return err
		}
		if templatesJSON {
			return printJSON(t)
		}
		data, err := templates.MarshalYAML(t)
		if err != nil {
			return err
		}
		fmt.Print(string(data))
		return nil
	},
}

var templatesUpsertCmd = &cobra.Command{
	Use:     "upsert <file.yaml>...",
	Aliases: []string{"import-file"},
	Short:   "Create or replace templates from YAML files",
	Args:    cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		for _, path := range args {
			t, err := a.engine.Templates().ImportFile(path)
			if err != nil {
				return err
			}
			printStatus("✓", fmt.Sprintf("Saved template %s (%s)", t.ID, t.Name), color.FgGreen)
		}
		return nil
	},
}

var templatesImportCmd = &cobra.Command{
	Use:   "import <dir>",
	Short: "Import every YAML template in a directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := a.engine.Templates().ImportDir(args[0])
		if err != nil {
			return err
		}
		printStatus("✓", fmt.Sprintf("Imported %d templates", n), color.FgGreen)
		return nil
	},
}

var patchFlags struct {
	name        string
	description string
	workerMode  string
	parallelism int
	retry       int
	failure     string
	merge       string
}

var templatesPatchCmd = &cobra.Command{
	Use:   "patch <id>",
	Short: "Change fields of a template",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var patch models.TemplatePatch
		f := cmd.Flags()
		if f.Changed("name") {
			patch.Name = &patchFlags.name
		}
		if f.Changed("description") {
			patch.Description = &patchFlags.description
		}
		if f.Changed("worker-mode") {
			m := models.WorkerMode(patchFlags.workerMode)
			patch.DefaultWorkerMode = &m
		}
		if f.Changed("parallelism") {
			patch.DefaultMaxParallelism = &patchFlags.parallelism
		}
		if f.Changed("retry") {
			patch.DefaultRetryLimit = &patchFlags.retry
		}
		if f.Changed("failure-policy") {
			p := models.FailurePolicy(patchFlags.failure)
			patch.DefaultFailurePolicy = &p
		}
		if f.Changed("merge-policy") {
			p := models.MergePolicy(patchFlags.merge)
			patch.DefaultMergePolicy = &p
		}

		a, err := openApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		t, err := a.engine.Templates().Patch(args[0], patch)
		if err != nil {
			return err
		}
		printStatus("✓", fmt.Sprintf("Updated template %s", t.ID), color.FgGreen)
		return nil
	},
}

var templatesDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a template",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.engine.Templates().Delete(args[0]); err != nil {
			return err
		}
		printStatus("✓", fmt.Sprintf("Deleted template %s", args[0]), color.FgGreen)
		return nil
	},
}

func init() {
	templatesCmd.PersistentFlags().BoolVar(&templatesJSON, "json", false, "Print JSON")

	pf := templatesPatchCmd.Flags()
	pf.StringVar(&patchFlags.name, "name", "", "Template name")
	pf.StringVar(&patchFlags.description, "description", "", "Description")
	pf.StringVar(&patchFlags.workerMode, "worker-mode", "", "existing, ephemeral or mixed")
	pf.IntVar(&patchFlags.parallelism, "parallelism", 0, "Default max parallelism")
	pf.IntVar(&patchFlags.retry, "retry", 0, "Default retry limit")
	pf.StringVar(&patchFlags.failure, "failure-policy", "", "auto_replan, fail_fast or best_effort")
	pf.StringVar(&patchFlags.merge, "merge-policy", "", "manual_approval or auto_on_review_pass")

	templatesCmd.AddCommand(templatesListCmd)
	templatesCmd.AddCommand(templatesGetCmd)
	templatesCmd.AddCommand(templatesUpsertCmd)
	templatesCmd.AddCommand(templatesImportCmd)
	templatesCmd.AddCommand(templatesPatchCmd)
	templatesCmd.AddCommand(templatesDeleteCmd)
}
