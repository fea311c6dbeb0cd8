package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	tagsJSON  bool
	tagsColor string
)

func init() {
	tagsListCmd.Flags().BoolVar(&tagsJSON, "json", false, "Output raw JSON")
	tagsCreateCmd.Flags().StringVar(&tagsColor, "color", "#3b82f6", "Tag color")

	tagsCmd.AddCommand(tagsListCmd, tagsCreateCmd, tagsAddCmd, tagsRemoveCmd)
	rootCmd.AddCommand(tagsCmd)
}

var tagsCmd = &cobra.Command{
	Use:   "tags",
	Short: "Manage conversation tags",
}

var tagsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tags",
	RunE: func(cmd *cobra.Command, args []string) error {
		a := mustApp()
		defer a.close()
		if _, err := a.restore(cmd.Context(), false); err != nil {
			return err
		}

		ctx, cancel := commandContext()
		defer cancel()

		tags, err := a.api.Tags.List(ctx)
		if err != nil {
			return err
		}
		if tagsJSON {
			return printJSON(tags)
		}
		for _, t := range tags {
			fmt.Printf("%-24s  %-8s  %s\n", t.ID, t.Color, t.Name)
		}
		return nil
	},
}

var tagsCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a tag",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a := mustApp()
		defer a.close()
		if _, err := a.restore(cmd.Context(), false); err != nil {
			return err
		}

		ctx, cancel := commandContext()
		defer cancel()

		tag, err := a.api.Tags.Create(ctx, args[0], tagsColor)
		if err != nil {
			return err
		}
		fmt.Printf("Tag %s created (id %s).\n", tag.Name, tag.ID)
		return nil
	},
}

var tagsAddCmd = &cobra.Command{
	Use:   "add <conversation-id> <tag-id>",
	Short: "Attach a tag to a conversation",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a := mustApp()
		defer a.close()
		if _, err := a.restore(cmd.Context(), false); err != nil {
			return err
		}

		ctx, cancel := commandContext()
		defer cancel()

		inbox := newInbox(a)
		if err := inbox.Load(ctx); err != nil {
			return err
		}
		if err := inbox.AddTag(ctx, args[0], args[1]); err != nil {
			return err
		}
		fmt.Println("Tag added.")
		return nil
	},
}

var tagsRemoveCmd = &cobra.Command{
	Use:   "remove <conversation-id> <tag-id>",
	Short: "Detach a tag from a conversation",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a := mustApp()
		defer a.close()
		if _, err := a.restore(cmd.Context(), false); err != nil {
			return err
		}

		ctx, cancel := commandContext()
		defer cancel()

		inbox := newInbox(a)
		if err := inbox.Load(ctx); err != nil {
			return err
		}
		if err := inbox.RemoveTag(ctx, args[0], args[1]); err != nil {
			return err
		}
		fmt.Println("Tag removed.")
		return nil
	},
}
