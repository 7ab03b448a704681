package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jmcleod/ironkey/crypto"
	"github.com/jmcleod/ironkey/vault"
)

var signupCmd = &cobra.Command{
	Use:   "signup",
	Short: "Create an account and show its recovery key",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		pw, err := s.newPassword(cmd)
		if err != nil {
			return err
		}
		res, err := s.vault.SignUp(cmd.Context(), s.client, pw)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Account %q created.\n", clientFlags.user)
		if !res.RecoveryKeyShown {
			fmt.Fprintln(cmd.ErrOrStderr(), "Warning: the recovery key could not be shown. Run 'ironkey passwd' to issue a new one.")
		}
		return nil
	},
}

var passwdCmd = &cobra.Command{
	Use:   "passwd",
	Short: "Change the master password and re-encrypt every entry",
	Long: `Change the master password. Every entry is decrypted with the current
password and re-encrypted under the new one, and a new recovery key is issued.
The previous recovery key stops working.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		ctx := cmd.Context()
		current, ok, err := s.term.PromptMasterPassword(ctx, vault.PromptCurrent)
		if err != nil {
			return err
		}
		if !ok {
			return vault.ErrUnlockCancelled
		}
		if err := s.vault.Unlock(ctx, current); err != nil {
			if errors.Is(err, crypto.ErrDecryption) {
				return errors.New("wrong master password")
			}
			return err
		}
		next, err := s.newPassword(cmd)
		if err != nil {
			return err
		}
		res, err := s.vault.ChangeMasterPassword(ctx, current, next)
		return describeRotation(cmd, res, err)
	},
}

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Set a new master password using the recovery key",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		ctx := cmd.Context()
		key, err := s.term.Secret(ctx, "Recovery key: ")
		if err != nil {
			return err
		}
		if key == "" {
			return vault.ErrUnlockCancelled
		}
		next, err := s.newPassword(cmd)
		if err != nil {
			return err
		}
		res, err := s.vault.CompleteRecovery(ctx, key, next)
		return describeRotation(cmd, res, err)
	},
}

func init() {
	rootCmd.AddCommand(signupCmd, passwdCmd, recoverCmd)
}
