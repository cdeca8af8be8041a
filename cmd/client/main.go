package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	apimodel "gitlab.com/dirk.krummacker/giftagent/pkg/model"
)

// Usage example on the command line:
// > GIFTAGENT_APP_CRON_SECRET=... go run . trigger
// > go run . send --to 4b0c8a1e-4a4f-4d8e-9f6a-0d7e3c2b1a90 --amount 25 --secret ...
func main() {
	v := viper.New()
	v.SetEnvPrefix("GIFTAGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	rootCmd := &cobra.Command{
		Use:          "giftagent-client",
		Short:        "Calls the operational endpoints of a running gift agent",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("url", "http://localhost:8080", "base URL of the service")
	rootCmd.PersistentFlags().String("secret", "", "cron secret (default $GIFTAGENT_APP_CRON_SECRET)")
	rootCmd.PersistentFlags().Duration("timeout", 10*time.Minute, "request timeout")
	_ = v.BindPFlag("url", rootCmd.PersistentFlags().Lookup("url"))
	_ = v.BindPFlag("app.cron_secret", rootCmd.PersistentFlags().Lookup("secret"))
	_ = v.BindPFlag("timeout", rootCmd.PersistentFlags().Lookup("timeout"))

	rootCmd.AddCommand(triggerCmd(v))
	rootCmd.AddCommand(sweepCmd(v))
	rootCmd.AddCommand(sendCmd(v))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func triggerCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "trigger",
		Short: "Run the birthday dispatch for today",
		RunE: func(cmd *cobra.Command, args []string) error {
			var summary apimodel.DispatchSummary
			if err := post(v, "/api/cron/check-birthdays", nil, &summary); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), summary.Message)
			fmt.Fprintf(cmd.OutOrStdout(), "matched=%d processed=%d succeeded=%d failed=%d skipped=%d\n",
				summary.Matched, summary.Processed, summary.Succeeded, summary.Failed, summary.Skipped)
			return nil
		},
	}
}

func sweepCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Advance due transactions to shipped or delivered",
		RunE: func(cmd *cobra.Command, args []string) error {
			var summary apimodel.SweepSummary
			if err := post(v, "/api/cron/progress-deliveries", nil, &summary); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), summary.Message)
			return nil
		},
	}
}

func sendCmd(v *viper.Viper) *cobra.Command {
	var to, amount, description string
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send an ad-hoc gift payment to a contact",
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := decimal.NewFromString(amount)
			if err != nil {
				return fmt.Errorf("invalid amount %q: %w", amount, err)
			}
			request := apimodel.SendRequest{ToId: to, Amount: value, Description: description}
			var response apimodel.SendResponse
			if err := post(v, "/api/send-payment", request, &response); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), response.Message)
			if response.TransactionId != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "transaction %d\n", *response.TransactionId)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "contact id of the recipient")
	cmd.Flags().StringVar(&amount, "amount", "", "amount in dollars")
	cmd.Flags().StringVar(&description, "description", "", "payment description")
	_ = cmd.MarkFlagRequired("to")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

// post sends body as JSON with the cron secret and decodes the answer into answer. Answers
// with a status other than 200 are returned as error after decoding.
func post(v *viper.Viper, path string, body interface{}, answer interface{}) error {
	var payload io.Reader = http.NoBody
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("could not encode request: %w", err)
		}
		payload = bytes.NewReader(encoded)
	}
	request, err := http.NewRequest(http.MethodPost, strings.TrimRight(v.GetString("url"), "/")+path, payload)
	if err != nil {
		return fmt.Errorf("could not create request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	if secret := v.GetString("app.cron_secret"); secret != "" {
		request.Header.Set("Authorization", "Bearer "+secret)
	}

	client := &http.Client{Timeout: v.GetDuration("timeout")}
	res, err := client.Do(request)
	if err != nil {
		return fmt.Errorf("error making http request: %w", err)
	}
	defer res.Body.Close()
	resBody, err := io.ReadAll(res.Body)
	if err != nil {
		return fmt.Errorf("could not read response body: %w", err)
	}
	if err := json.Unmarshal(resBody, answer); err != nil {
		return fmt.Errorf("%s: %s", res.Status, bytes.TrimSpace(resBody))
	}
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: %s", res.Status, bytes.TrimSpace(resBody))
	}
	return nil
}
