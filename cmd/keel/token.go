package main

import (
	"fmt"

	"github.com/aretw0/keel/pkg/sessionkey"
	"github.com/spf13/cobra"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint and decode session tokens",
}

var tokenMintCmd = &cobra.Command{
	Use:   "mint",
	Short: "Mint new session keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		count, _ := cmd.Flags().GetInt("count")
		if count < 1 {
			return fmt.Errorf("--count must be positive")
		}
		for range count {
			key, err := sessionkey.Mint()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", sessionkey.Token(key), key)
		}
		return nil
	},
}

var tokenParseCmd = &cobra.Command{
	Use:   "parse <token|hex>",
	Short: "Decode a session token or hex key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := parseKey(args[0])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "token: %s\n", sessionkey.Token(key))
		fmt.Fprintf(out, "hex:   %s\n", key)
		fmt.Fprintf(out, "hash:  %016x\n", key.Hash())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.AddCommand(tokenMintCmd)
	tokenCmd.AddCommand(tokenParseCmd)
	tokenMintCmd.Flags().IntP("count", "n", 1, "Number of keys to mint")
}
