package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/xiaot623/gogo/fleet/internal/domain"
	"github.com/xiaot623/gogo/fleet/internal/relay"
)

func newSendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send <content>",
		Short: "Relay a message to a machine, or to every machine with --to '*'",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cfg, err := loadConfig(cmd, map[string]string{
				"worker.hub_url":    "hub",
				"worker.machine_id": "from",
			})
			if err != nil {
				return err
			}
			to, _ := cmd.Flags().GetString("to")
			typ, _ := cmd.Flags().GetString("type")
			channel, _ := cmd.Flags().GetString("channel")
			forward, _ := cmd.Flags().GetBool("forward")

			client := relay.NewClient(cfg.Worker.HubURL, cfg.Server.APIKey)
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			res, err := sendMessage(ctx, client, outgoing{
				From:    cfg.Worker.MachineID,
				To:      to,
				Type:    domain.MessageType(typ),
				Channel: domain.Channel(channel),
				Content: strings.Join(args, " "),
				Forward: forward,
			})
			if err != nil {
				return err
			}
			return printSendResult(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().String("hub", "", "hub base URL")
	cmd.Flags().String("from", "", "sending machine id (defaults to worker.machine_id)")
	cmd.Flags().String("to", "", "recipient machine id, or * for every machine")
	cmd.Flags().String("type", string(domain.MessageTypeChat), "message type: chat, command, status, heartbeat")
	cmd.Flags().String("channel", "", "preferred delivery channel")
	cmd.Flags().Bool("forward", false, "push through the hub's incoming endpoint as a remote machine would")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

// outgoing is a message composed on the command line.
type outgoing struct {
	From    string
	To      string
	Type    domain.MessageType
	Channel domain.Channel
	Content string
	Forward bool
}

// sendMessage hands the message to the hub either as a send request or as a
// push from a remote machine. Both end in the same persisted log.
func sendMessage(ctx context.Context, client *relay.Client, out outgoing) (*relay.SendResult, error) {
	if !out.Forward {
		return client.Send(ctx, &domain.SendMessageRequest{
			From:    out.From,
			To:      out.To,
			Type:    out.Type,
			Channel: out.Channel,
			Content: out.Content,
		})
	}
	if out.From == "" {
		return nil, fmt.Errorf("--forward needs --from or worker.machine_id")
	}
	return client.Forward(ctx, &domain.MachineMessage{
		FromID:  out.From,
		ToID:    out.To,
		Type:    out.Type,
		Channel: out.Channel,
		Content: out.Content,
	})
}

func printSendResult(w io.Writer, res *relay.SendResult) error {
	if _, err := fmt.Fprintf(w, "message %s stored\n", res.Message.ID); err != nil {
		return err
	}
	for _, d := range res.Deliveries {
		how := "queued for poll"
		if d.Pushed {
			how = "pushed over " + string(d.Channel)
		}
		if _, err := fmt.Fprintf(w, "  %s: %s\n", d.MachineID, how); err != nil {
			return err
		}
	}
	return nil
}
