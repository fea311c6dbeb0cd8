package main

import (
	"fmt"
	"strings"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	crm "github.com/kevinderitis/crm-front-v2"
)

var (
	conversationsJSON   bool
	conversationsUnread bool
	conversationsSearch string
	messagesJSON        bool
	sendImage           bool
)

func init() {
	conversationsCmd.Flags().BoolVar(&conversationsJSON, "json", false, "Output raw JSON")
	conversationsCmd.Flags().BoolVar(&conversationsUnread, "unread", false, "Only conversations with unread messages")
	conversationsCmd.Flags().StringVar(&conversationsSearch, "search", "", "Filter by customer name")
	messagesCmd.Flags().BoolVar(&messagesJSON, "json", false, "Output raw JSON")
	sendCmd.Flags().BoolVar(&sendImage, "image", false, "Treat the text as an image URL")

	conversationCmd.AddCommand(conversationAICmd, conversationRenameCmd)
	rootCmd.AddCommand(conversationsCmd, messagesCmd, sendCmd, conversationCmd)
}

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List conversations",
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
		convs := inbox.Search(conversationsSearch)
		if conversationsUnread {
			convs = filterUnread(convs)
		}

		if conversationsJSON {
			return printJSON(convs)
		}
		if len(convs) == 0 {
			fmt.Println("No conversations.")
			return nil
		}
		for _, c := range convs {
			flags := ""
			if c.AIEnabled {
				flags += " [ai]"
			}
			if len(c.Tags) > 0 {
				flags += " #" + strings.Join(c.Tags, " #")
			}
			fmt.Printf("%-24s  %-20s  unread:%-3d  %s%s\n",
				c.ID, c.CustomerName, c.UnreadCount, truncate(c.LastMessage, 40), flags)
		}
		return nil
	},
}

var messagesCmd = &cobra.Command{
	Use:   "messages <conversation-id>",
	Short: "Show a conversation's messages and mark it read",
	Args:  cobra.ExactArgs(1),
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
		if err := inbox.Open(ctx, args[0]); err != nil {
			return fmt.Errorf("cannot open conversation %s: %w", args[0], err)
		}
		msgs := inbox.Messages()

		if messagesJSON {
			return printJSON(msgs)
		}
		conv, _ := inbox.OpenConversation()
		fmt.Printf("Conversation with %s (%d messages)\n\n", conv.CustomerName, len(msgs))
		for _, m := range msgs {
			who := conv.CustomerName
			if m.SenderID != conv.CustomerID {
				who = "agent"
			}
			content := m.Content
			if m.Type == crm.MessageImage {
				content = "[image] " + content
			}
			fmt.Printf("[%s] %s: %s\n", m.CreatedAt, who, content)
		}
		return nil
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <text>",
	Short: "Send a message to a conversation",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a := mustApp()
		defer a.close()
		if _, err := a.restore(cmd.Context(), false); err != nil {
			return err
		}

		ctx, cancel := commandContext()
		defer cancel()

		text := strings.Join(args[1:], " ")
		if sendImage {
			msg, err := a.api.Conversations.SendImage(ctx, args[0], text)
			if err != nil {
				return err
			}
			fmt.Printf("Image sent (id %s).\n", msg.ID)
			return nil
		}

		inbox := newInbox(a)
		if err := inbox.Load(ctx); err != nil {
			return err
		}
		if err := inbox.Open(ctx, args[0]); err != nil {
			return fmt.Errorf("cannot open conversation %s: %w", args[0], err)
		}
		msg, err := inbox.Send(ctx, text)
		if err != nil {
			return err
		}
		fmt.Printf("Message sent (id %s).\n", msg.ID)
		return nil
	},
}

var conversationCmd = &cobra.Command{
	Use:   "conversation",
	Short: "Change a conversation's settings",
}

var conversationAICmd = &cobra.Command{
	Use:   "ai <conversation-id>",
	Short: "Toggle automatic AI replies",
	Args:  cobra.ExactArgs(1),
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
		enabled, err := inbox.ToggleAI(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("AI replies %s.\n", map[bool]string{true: "enabled", false: "disabled"}[enabled])
		return nil
	},
}

var conversationRenameCmd = &cobra.Command{
	Use:   "rename <conversation-id> <customer-name>",
	Short: "Rename the customer of a conversation",
	Args:  cobra.MinimumNArgs(2),
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
		name := strings.Join(args[1:], " ")
		if err := inbox.Rename(ctx, args[0], name); err != nil {
			return err
		}
		fmt.Printf("Renamed to %s.\n", name)
		return nil
	},
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

func filterUnread(convs []crm.Conversation) []crm.Conversation {
	return lo.Filter(convs, func(c crm.Conversation, _ int) bool { return c.UnreadCount > 0 })
}

func newInbox(a *app) *crm.Inbox {
	return crm.NewInbox(a.api.Conversations, a.api.Tags, a.logger)
}
