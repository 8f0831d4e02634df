package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"carechat/internal/client"
)

var loginPassword string

func init() {
	loginCmd.Flags().StringVarP(&loginPassword, "password", "p", "", "account password")
	loginCmd.MarkFlagRequired("password")
	rootCmd.AddCommand(loginCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login [username]",
	Short: "Log in and print an access token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		api := client.NewAPI(serverURL)
		resp, err := api.Login(cmd.Context(), args[0], loginPassword)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "logged in as %s (%s, %s)\n", resp.User.Username, resp.User.ID, resp.User.Role)
		fmt.Fprintln(cmd.OutOrStdout(), resp.Token)
		return nil
	},
}
