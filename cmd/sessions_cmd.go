package cmd

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/spf13/cobra"
)

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "View and manage messaging sessions",
	}
	cmd.AddCommand(sessionsListCmd())
	cmd.AddCommand(sessionsCreateCmd())
	cmd.AddCommand(sessionsShowCmd())
	cmd.AddCommand(sessionsAuthCmd())
	cmd.AddCommand(sessionsReconnectCmd())
	cmd.AddCommand(sessionsDisconnectCmd())
	cmd.AddCommand(sessionsClearCacheCmd())
	cmd.AddCommand(sessionsPollingCmd())
	cmd.AddCommand(sessionsWebhookCmd())
	cmd.AddCommand(sessionsDeleteCmd())
	return cmd
}

func sessionsListCmd() *cobra.Command {
	var tenant string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List all sessions",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			path := "/sessions"
			if tenant != "" {
				path += "?tenantId=" + url.QueryEscape(tenant)
			}
			data, err := adminRequest(http.MethodGet, path, nil)
			if err != nil {
				fatal(err)
			}
			printJSON(data)
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "filter by tenant ID")
	return cmd
}

func sessionsCreateCmd() *cobra.Command {
	var tenant, generation string
	cmd := &cobra.Command{
		Use:   "create [phone-number]",
		Short: "Create a new session for a phone number",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			data, err := adminRequest(http.MethodPost, "/sessions", map[string]string{
				"phoneNumber": args[0],
				"tenantId":    tenant,
				"generation":  generation,
			})
			if err != nil {
				fatal(err)
			}
			printJSON(data)
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant ID")
	cmd.Flags().StringVar(&generation, "generation", "", "client generation (legacy or modern)")
	return cmd
}

func sessionsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show [session-id]",
		Short: "Show a session",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			data, err := adminRequest(http.MethodGet, "/sessions/"+args[0], nil)
			if err != nil {
				fatal(err)
			}
			printJSON(data)
		},
	}
}

func sessionsAuthCmd() *cobra.Command {
	var code, password string
	cmd := &cobra.Command{
		Use:   "auth [session-id]",
		Short: "Run the login flow: request a code, or submit one with --code",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			if code == "" {
				_, err := adminRequest(http.MethodPost, "/sessions/"+args[0]+"/auth/initiate", nil)
				if err != nil {
					fatal(err)
				}
				fmt.Println("Code requested. Re-run with --code once it arrives.")
				return
			}
			data, err := adminRequest(http.MethodPost, "/sessions/"+args[0]+"/auth/complete",
				map[string]string{"code": code, "password": password})
			if err != nil {
				fatal(err)
			}
			printJSON(data)
		},
	}
	cmd.Flags().StringVar(&code, "code", "", "one-time verification code")
	cmd.Flags().StringVar(&password, "password", "", "account password (two-factor)")
	return cmd
}

func sessionsReconnectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconnect [session-id]",
		Short: "Force a fresh token resume",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			if _, err := adminRequest(http.MethodPost, "/sessions/"+args[0]+"/reconnect", nil); err != nil {
				fatal(err)
			}
			fmt.Println("Reconnected:", args[0])
		},
	}
}

func sessionsDisconnectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect [session-id]",
		Short: "Disconnect a session (keeps its token)",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			if _, err := adminRequest(http.MethodPost, "/sessions/"+args[0]+"/disconnect", nil); err != nil {
				fatal(err)
			}
			fmt.Println("Disconnected:", args[0])
		},
	}
}

func sessionsClearCacheCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear-cache [session-id]",
		Short: "Drop the session's peer and dialog caches",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			if _, err := adminRequest(http.MethodPost, "/sessions/"+args[0]+"/cache/clear", nil); err != nil {
				fatal(err)
			}
			fmt.Println("Cache cleared:", args[0])
		},
	}
}

func sessionsPollingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "polling [session-id]",
		Short: "Show tracked chats and poll watermarks",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			data, err := adminRequest(http.MethodGet, "/sessions/"+args[0]+"/polling", nil)
			if err != nil {
				fatal(err)
			}
			printJSON(data)
		},
	}
}

func sessionsWebhookCmd() *cobra.Command {
	var clear bool
	cmd := &cobra.Command{
		Use:   "webhook [session-id] [url]",
		Short: "Set or clear the session's CRM webhook URL",
		Args:  cobra.RangeArgs(1, 2),
		Run: func(cmd *cobra.Command, args []string) {
			if clear {
				if _, err := adminRequest(http.MethodDelete, "/sessions/"+args[0]+"/webhook", nil); err != nil {
					fatal(err)
				}
				fmt.Println("Webhook cleared:", args[0])
				return
			}
			if len(args) < 2 {
				fatal(fmt.Errorf("url argument required (or use --clear)"))
			}
			if _, err := adminRequest(http.MethodPut, "/sessions/"+args[0]+"/webhook",
				map[string]string{"url": args[1]}); err != nil {
				fatal(err)
			}
			fmt.Println("Webhook set:", args[1])
		},
	}
	cmd.Flags().BoolVar(&clear, "clear", false, "remove the webhook")
	return cmd
}

func sessionsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete [session-id]",
		Short: "Delete a session and its stored credentials",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			if _, err := adminRequest(http.MethodDelete, "/sessions/"+args[0], nil); err != nil {
				fatal(err)
			}
			fmt.Println("Deleted:", args[0])
		},
	}
}
