package cmd

import (
	"github.com/connesc/ndecrypt"
	"github.com/spf13/cobra"
)

func init() {
	for _, cmd := range []*cobra.Command{encryptCmd, decryptCmd} {
		cmd.Flags().AddFlagSet(&keyFlags)
		cmd.Flags().AddFlagSet(&cryptFlags)
		rootCmd.AddCommand(cmd)
	}
}

var encryptCmd = &cobra.Command{
	Use:     "encrypt path...",
	Aliases: []string{"e"},
	Short:   "Encrypt the given files, and the files found in the given folders",
	Args:    cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCrypt(cmd, args, ndecrypt.Encrypt)
	},
}

var decryptCmd = &cobra.Command{
	Use:     "decrypt path...",
	Aliases: []string{"d"},
	Short:   "Decrypt the given files, and the files found in the given folders",
	Args:    cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCrypt(cmd, args, ndecrypt.Decrypt)
	},
}
