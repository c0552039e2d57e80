package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"

	_ "github.com/btcsuite/btcwallet/walletdb/bdb"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Maphikza/btc-payment-hub.git/internal/config"
	"github.com/Maphikza/btc-payment-hub.git/internal/ipc"
	"github.com/Maphikza/btc-payment-hub.git/internal/logger"
)

var rootCmd = &cobra.Command{
	Use:   "hub",
	Short: "Off-chain Bitcoin payment hub",
	Long:  `A custodial payment hub that keeps user balances off-chain and settles withdrawals in batched Bitcoin transactions.`,
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(makeOwnerKeyCmd)
	rootCmd.AddCommand(stateCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(settleCmd)
	rootCmd.AddCommand(hostCmd)
	rootCmd.AddCommand(ownerAddressCmd)
}

func initConfig() {
	err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Error loading configuration: %v", err)
	}

	err = viper.ReadInConfig()
	if err != nil {
		log.Printf("Error reading viper config: %s", err.Error())
	}

	err = logger.Init(viper.GetString("log_file"), logger.Options{
		Level:   viper.GetString("log_level"),
		Console: viper.GetBool("log_console"),
	})
	if err != nil {
		log.Fatalf("Error initializing logger: %v", err)
	}
}

func main() {
	defer logger.Cleanup()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Print the ledger report of the running hub",
	Run: func(cmd *cobra.Command, args []string) {
		var result json.RawMessage
		sendCommand(ipc.CmdState, nil, &result)
		printJSON(result)
	},
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Check the conservation rule against the running hub",
	Run: func(cmd *cobra.Command, args []string) {
		var result json.RawMessage
		sendCommand(ipc.CmdAudit, nil, &result)
		printJSON(result)
	},
}

var settleCmd = &cobra.Command{
	Use:   "settle",
	Short: "Build, sign and broadcast the next settlement batch",
	Run: func(cmd *cobra.Command, args []string) {
		var result ipc.SettlementResult
		sendCommand(ipc.CmdBuildSettlement, nil, &result)
		printJSON(result)
	},
}

var hostCmd = &cobra.Command{
	Use:   "host <command> [args...]",
	Short: "Run an owner command on the host session",
	Long: `Run an owner command without a signature, for example:
  hub host set_fee 10
  hub host set_fee_address <address>
  hub host settle_fee 5000`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		var result ipc.HostResult
		sendCommand(ipc.CmdHost, args, &result)
		printJSON(result)
	},
}

var ownerAddressCmd = &cobra.Command{
	Use:   "owner-address",
	Short: "Print the owner's change address",
	Run: func(cmd *cobra.Command, args []string) {
		var result string
		sendCommand(ipc.CmdOwnerAddress, nil, &result)
		fmt.Println(strings.TrimSpace(result))
	},
}

func sendCommand(command string, args []string, out interface{}) {
	client, err := ipc.NewClient(viper.GetString("socket_path"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error connecting to hub: %v\n", err)
		os.Exit(1)
	}
	defer client.Close()

	if err := client.SendCommand(command, args, out); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printJSON(v interface{}) {
	if err := json.NewEncoder(os.Stdout).Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding result: %v\n", err)
		os.Exit(1)
	}
}
