package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/austindbirch/harbor_queue/internal/config"
	"github.com/austindbirch/harbor_queue/internal/logging"
	"github.com/austindbirch/harbor_queue/internal/queue/broker"
)

var (
	cfgFile    string
	timeout    time.Duration
	outputJSON bool
	prettyJSON bool
	queueType  string
	prefix     string
	nsqdTCP    string
	nsqdHTTP   string
)

// newBroker is replaced in tests to share one in-memory broker across commands
var newBroker = func(cfg config.Config) (*broker.Broker, error) {
	return broker.New(cfg, logging.New("queuectl").WithLevel(logging.LevelWarn))
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "queuectl",
	Short: "Harbor Queue CLI - manage topics and talk to queue services",
	Long: `queuectl is a command line tool for the Harbor Queue services.

You can use it to create and inspect topics, submit housekeeper tasks
and validate device tokens through the transport API.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.queuectl.yaml)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "request timeout")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().BoolVar(&prettyJSON, "pretty", false, "use jq for pretty JSON formatting (requires jq)")
	rootCmd.PersistentFlags().StringVar(&queueType, "queue", "", "queue type: nsq or memory (default from QUEUE_TYPE)")
	rootCmd.PersistentFlags().StringVar(&prefix, "prefix", "", "topic prefix (default from QUEUE_PREFIX)")
	rootCmd.PersistentFlags().StringVar(&nsqdTCP, "nsqd-tcp", "", "nsqd TCP address (default from NSQD_TCP_ADDR)")
	rootCmd.PersistentFlags().StringVar(&nsqdHTTP, "nsqd-http", "", "nsqd HTTP address (default from NSQD_HTTP_ADDR)")

	viper.BindPFlag("timeout", rootCmd.PersistentFlags().Lookup("timeout"))
	viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	viper.BindPFlag("pretty", rootCmd.PersistentFlags().Lookup("pretty"))
	viper.BindPFlag("queue", rootCmd.PersistentFlags().Lookup("queue"))
	viper.BindPFlag("prefix", rootCmd.PersistentFlags().Lookup("prefix"))
	viper.BindPFlag("nsqd-tcp", rootCmd.PersistentFlags().Lookup("nsqd-tcp"))
	viper.BindPFlag("nsqd-http", rootCmd.PersistentFlags().Lookup("nsqd-http"))
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".queuectl")
	}

	viper.SetEnvPrefix("QUEUECTL")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}

	if !rootCmd.PersistentFlags().Changed("timeout") {
		if d := viper.GetDuration("timeout"); d > 0 {
			timeout = d
		}
	}
	if !rootCmd.PersistentFlags().Changed("json") {
		outputJSON = viper.GetBool("json")
	}
	if !rootCmd.PersistentFlags().Changed("pretty") {
		prettyJSON = viper.GetBool("pretty")
	}
	for flag, dst := range map[string]*string{
		"queue":     &queueType,
		"prefix":    &prefix,
		"nsqd-tcp":  &nsqdTCP,
		"nsqd-http": &nsqdHTTP,
	} {
		if !rootCmd.PersistentFlags().Changed(flag) {
			if v := viper.GetString(flag); v != "" {
				*dst = v
			}
		}
	}
}

// loadConfig starts from the service environment and applies CLI overrides
func loadConfig() config.Config {
	cfg := config.FromEnv()
	if queueType != "" {
		cfg.Queue.Type = queueType
	}
	if prefix != "" {
		cfg.Queue.Prefix = prefix
	}
	if nsqdTCP != "" {
		cfg.NSQ.NsqdTCPAddr = nsqdTCP
	}
	if nsqdHTTP != "" {
		cfg.NSQ.NsqdHTTPAddr = nsqdHTTP
	}
	return cfg
}

// checkJQAvailable checks if jq is available in PATH
func checkJQAvailable() bool {
	_, err := exec.LookPath("jq")
	return err == nil
}

// formatWithJQ formats JSON using jq for pretty printing
func formatWithJQ(jsonData []byte) (string, error) {
	if !checkJQAvailable() {
		return "", fmt.Errorf("jq not found in PATH")
	}

	cmd := exec.Command("jq", ".")
	cmd.Stdin = bytes.NewReader(jsonData)

	var out bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("jq formatting failed: %s", stderr.String())
	}

	return out.String(), nil
}

// printOutput prints v as JSON when requested, otherwise with human formatting
func printOutput(w io.Writer, v any) {
	if !outputJSON {
		fmt.Fprintf(w, "%+v\n", v)
		return
	}

	jsonData, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error marshaling to JSON: %v\n", err)
		return
	}
	if prettyJSON {
		formatted, jqErr := formatWithJQ(jsonData)
		if jqErr == nil {
			fmt.Fprint(w, formatted)
			return
		}
		fmt.Fprintf(os.Stderr, "Warning: %v, falling back to standard formatting\n", jqErr)
	}
	fmt.Fprintln(w, string(jsonData))
}
