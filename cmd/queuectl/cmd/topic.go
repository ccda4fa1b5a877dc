package cmd

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_queue/internal/queue"
	"github.com/austindbirch/harbor_queue/internal/queue/nsqq"
)

var (
	topicPartitions int
	topicChannel    string
	topicProps      string
)

var topicCmd = &cobra.Command{
	Use:   "topic",
	Short: "Manage queue topics",
	Long:  `Create, delete and inspect topics. Names are prefixed with the configured topic prefix.`,
}

var topicCreateCmd = &cobra.Command{
	Use:   "create [name]",
	Short: "Create a topic if it does not exist",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := newBroker(loadConfig())
		if err != nil {
			return err
		}
		defer b.Close()

		props := queue.ParseTopicProperties(topicProps)
		if topicPartitions > 0 {
			props[queue.PropPartitions] = strconv.Itoa(topicPartitions)
		}
		if topicChannel != "" {
			props["channel"] = topicChannel
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		name := b.Topic(args[0])
		if err := b.Admin().CreateTopicIfNotExists(ctx, name, props); err != nil {
			return fmt.Errorf("create topic failed: %w", err)
		}
		printOutput(cmd.OutOrStdout(), map[string]any{"topic": name, "created": true, "properties": props})
		return nil
	},
}

var topicDeleteCmd = &cobra.Command{
	Use:   "delete [name]",
	Short: "Delete a topic",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := newBroker(loadConfig())
		if err != nil {
			return err
		}
		defer b.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		name := b.Topic(args[0])
		if err := b.Admin().DeleteTopic(ctx, name); err != nil {
			return fmt.Errorf("delete topic failed: %w", err)
		}
		printOutput(cmd.OutOrStdout(), map[string]any{"topic": name, "deleted": true})
		return nil
	},
}

var topicStatsCmd = &cobra.Command{
	Use:   "stats [name]",
	Short: "Show topic and channel depth",
	Long:  `Show depth and in-flight counts from nsqd. Without a name every topic is listed.`,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := newBroker(loadConfig())
		if err != nil {
			return err
		}
		defer b.Close()

		admin, ok := b.Admin().(*nsqq.Admin)
		if !ok {
			return errors.New("topic stats requires the nsq queue type")
		}
		topic := ""
		if len(args) == 1 {
			topic = b.Topic(args[0])
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		st, err := admin.Stats(ctx, topic)
		if err != nil {
			return err
		}
		if outputJSON {
			printOutput(cmd.OutOrStdout(), st)
			return nil
		}
		out := cmd.OutOrStdout()
		for _, t := range st.Topics {
			fmt.Fprintf(out, "%s depth=%d\n", t.TopicName, t.Depth)
			for _, ch := range t.Channels {
				fmt.Fprintf(out, "  %s depth=%d in_flight=%d\n", ch.ChannelName, ch.Depth, ch.InFlightCount)
			}
		}
		return nil
	},
}

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check that the broker is reachable",
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := newBroker(loadConfig())
		if err != nil {
			return err
		}
		defer b.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		if err := b.Ping(ctx); err != nil {
			return fmt.Errorf("ping failed: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Pong! %s broker is reachable\n", b.Type())
		return nil
	},
}

func init() {
	topicCreateCmd.Flags().IntVar(&topicPartitions, "partitions", 0, "partition count (in-memory broker only)")
	topicCreateCmd.Flags().StringVar(&topicChannel, "channel", "", "also create this channel (nsq only)")
	topicCreateCmd.Flags().StringVar(&topicProps, "props", "", "topic properties as key:value;key:value")

	topicCmd.AddCommand(topicCreateCmd, topicDeleteCmd, topicStatsCmd)
	rootCmd.AddCommand(topicCmd, pingCmd)
}
