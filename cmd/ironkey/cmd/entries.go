package cmd

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jmcleod/ironkey/crypto"
	"github.com/jmcleod/ironkey/vault"
)

var entryFlags struct {
	name     string
	url      string
	username string
	notes    string
	password bool
	yes      bool
}

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List entries (metadata only, no unlock needed)",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		entries, err := s.client.ListEntries(cmd.Context())
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No entries.")
			return nil
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tNAME\tUSERNAME\tURL")
		for _, e := range entries {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.ID, e.Name, e.Username, e.URL)
		}
		return tw.Flush()
	},
}

var addCmd = &cobra.Command{
	Use:   "add",
	Short: "Add an entry; its password is read from the terminal",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		ctx := cmd.Context()
		session, err := s.vault.Session(ctx)
		if err != nil {
			return err
		}
		secret, err := readEntrySecret(cmd, s, session)
		if err != nil {
			return err
		}
		created, err := s.client.CreateEntry(ctx, vault.Entry{
			EncryptedPassword: secret.Ciphertext,
			IV:                secret.IV,
			Name:              entryFlags.name,
			URL:               entryFlags.url,
			Username:          entryFlags.username,
			Notes:             entryFlags.notes,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Entry %s added.\n", created.ID)
		return nil
	},
}

var showCmd = &cobra.Command{
	Use:   "show <entry-id>",
	Short: "Decrypt and print an entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		ctx := cmd.Context()
		e, err := s.client.GetEntry(ctx, args[0])
		if err != nil {
			return err
		}
		pw, err := s.vault.DecryptSecret(ctx, e.Secret())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "ID:       %s\n", e.ID)
		fmt.Fprintf(out, "Name:     %s\n", e.Name)
		fmt.Fprintf(out, "URL:      %s\n", e.URL)
		fmt.Fprintf(out, "Username: %s\n", e.Username)
		fmt.Fprintf(out, "Password: %s\n", pw)
		if e.Notes != "" {
			fmt.Fprintf(out, "Notes:\n%s\n", e.Notes)
		}
		return nil
	},
}

var editCmd = &cobra.Command{
	Use:   "edit <entry-id>",
	Short: "Change an entry's metadata or password",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		ctx := cmd.Context()
		e, err := s.client.GetEntry(ctx, args[0])
		if err != nil {
			return err
		}
		flags := cmd.Flags()
		if flags.Changed("name") {
			e.Name = entryFlags.name
		}
		if flags.Changed("url") {
			e.URL = entryFlags.url
		}
		if flags.Changed("username") {
			e.Username = entryFlags.username
		}
		if flags.Changed("notes") {
			e.Notes = entryFlags.notes
		}
		if entryFlags.password {
			session, err := s.vault.Session(ctx)
			if err != nil {
				return err
			}
			secret, err := readEntrySecret(cmd, s, session)
			if err != nil {
				return err
			}
			e.EncryptedPassword, e.IV = secret.Ciphertext, secret.IV
		}
		if _, err := s.client.UpdateEntry(ctx, e); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Entry %s updated.\n", e.ID)
		return nil
	},
}

var removeCmd = &cobra.Command{
	Use:     "rm <entry-id>",
	Aliases: []string{"delete"},
	Short:   "Delete an entry",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		ctx := cmd.Context()
		if !entryFlags.yes {
			ok, err := s.term.Confirm(ctx, fmt.Sprintf("Delete entry %s?", args[0]))
			if err != nil {
				return err
			}
			if !ok {
				return errors.New("not deleted")
			}
		}
		if err := s.client.DeleteEntry(ctx, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Entry %s deleted.\n", args[0])
		return nil
	},
}

func readEntrySecret(cmd *cobra.Command, s *vaultSession, session *vault.Session) (crypto.EncodedSecret, error) {
	pw, err := s.term.Secret(cmd.Context(), "Entry password: ")
	if err != nil {
		return crypto.EncodedSecret{}, err
	}
	if pw == "" {
		return crypto.EncodedSecret{}, errors.New("entry password must not be empty")
	}
	return session.Encrypt(pw)
}

func init() {
	for _, c := range []*cobra.Command{addCmd, editCmd} {
		f := c.Flags()
		f.StringVar(&entryFlags.name, "name", "", "Entry name")
		f.StringVar(&entryFlags.url, "url", "", "Site URL")
		f.StringVar(&entryFlags.username, "username", "", "Login username")
		f.StringVar(&entryFlags.notes, "notes", "", "Free-form notes")
	}
	editCmd.Flags().BoolVar(&entryFlags.password, "password", false, "Prompt for a new entry password")
	removeCmd.Flags().BoolVarP(&entryFlags.yes, "yes", "y", false, "Do not ask for confirmation")
	rootCmd.AddCommand(listCmd, addCmd, showCmd, editCmd, removeCmd)
}
