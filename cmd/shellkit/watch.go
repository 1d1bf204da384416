package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nerrad567/shellkit/internal/infrastructure/mqtt"
)

var errMQTTDisabled = errors.New("mqtt is not enabled in the configuration")

func newWatchCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "watch [topic]",
		Short: "Print the lifecycle events published to MQTT until interrupted",
		Long: "Print the lifecycle events published to MQTT until interrupted.\n\n" +
			"Without a topic every event under the configured prefix is shown.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !a.cfg.MQTT.Enabled {
				return errMQTTDisabled
			}

			// A second connection under the session's client ID would
			// make the broker drop the session.
			mcfg := a.cfg.MQTT
			mcfg.Broker.ClientID += "-watch"
			client, err := mqtt.Connect(mcfg)
			if err != nil {
				return fmt.Errorf("connecting to mqtt: %w", err)
			}
			defer func() {
				if closeErr := client.Close(); closeErr != nil {
					a.log.Error("error closing MQTT", "error", closeErr)
				}
			}()
			client.SetLogger(a.log)

			topic := client.Topics().All()
			if len(args) > 0 {
				topic = args[0]
			}

			out := cmd.OutOrStdout()
			a.log.Info("watching", "topic", topic)
			err = client.Watch(cmd.Context(), topic, func(topic string, payload []byte) {
				fmt.Fprintf(out, "%s %s\n", topic, payload) //nolint:errcheck // Best effort output
			})
			if err != nil {
				return fmt.Errorf("watching %s: %w", topic, err)
			}
			return nil
		},
	}
}
