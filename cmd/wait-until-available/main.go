package main

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// Usage example on the command line:
// > go run main.go --url=http://localhost:8080/healthz --timeout=2m
func main() {
	var url string
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:          "wait-until-available",
		Short:        "Poll the health endpoint until the service answers 200",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return waitFor(url, timeout)
		},
	}
	cmd.Flags().StringVar(&url, "url", "http://localhost:8080/healthz", "the health endpoint to poll")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "give up after this duration")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func waitFor(url string, timeout time.Duration) error {
	client := &http.Client{Timeout: 5 * time.Second}
	deadline := time.Now().Add(timeout)
	totalWaitTime := 0
	for {
		res, err := client.Get(url)
		if err == nil {
			res.Body.Close()
			fmt.Println(res.Status)
			if res.StatusCode == http.StatusOK {
				return nil
			}
		} else {
			fmt.Println(err)
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("service not available after %s", timeout)
		}
		totalWaitTime += 5
		fmt.Printf("Waiting %d seconds", totalWaitTime)
		fmt.Println()
		time.Sleep(5 * time.Second)
	}
}
