/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"fmt"
	"log"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/blnkfinance/relay"
	"github.com/blnkfinance/relay/config"
	"github.com/blnkfinance/relay/database"
)

// Relay represents the CLI application, encapsulating the root Cobra command.
type Relay struct {
	cmd *cobra.Command
}

// relayInstance holds the Relay service and its configuration for the lifetime of a command.
type relayInstance struct {
	relay *relay.Relay
	cnf   *config.Configuration
}

// recoverPanic handles any panics during program execution and logs the error using Logrus.
func recoverPanic() {
	if rec := recover(); rec != nil {
		logrus.Error(rec)
		os.Exit(1)
	}
}

// preRun loads the configuration and builds the Relay service before any command runs.
func preRun(app *relayInstance, configFile *string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		err := config.InitConfig(*configFile)
		if err != nil {
			log.Fatal("error loading config", err)
		}

		cnf, err := config.Fetch()
		if err != nil {
			return err
		}

		newRelay, err := setupRelay(cnf)
		if err != nil {
			logrus.WithError(err).Error("failed to start relay")
			log.Fatal(err)
		}

		app.relay = newRelay
		app.cnf = cnf

		return nil
	}
}

// setupRelay connects the data source and creates the Relay service.
func setupRelay(cfg *config.Configuration) (*relay.Relay, error) {
	db, err := database.NewDataSource(cfg)
	if err != nil {
		return nil, fmt.Errorf("error getting datasource: %v", err)
	}

	newRelay, err := relay.NewRelay(db)
	if err != nil {
		return nil, fmt.Errorf("error creating relay: %v", err)
	}
	return newRelay, nil
}

// NewCLI creates the command-line interface with the server, workers, migrate, run
// and config subcommands.
func NewCLI() *Relay {
	var configFile string
	r := &relayInstance{}

	var rootCmd = &cobra.Command{
		Use:   "relay",
		Short: "POS transaction intake and downstream relay",
		Run:   func(cmd *cobra.Command, args []string) {},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "./relay.json", "Configuration file for the relay")

	rootCmd.PersistentPreRunE = preRun(r, &configFile)

	rootCmd.AddCommand(serverCommands(r))
	rootCmd.AddCommand(workerCommands(r))
	rootCmd.AddCommand(migrateCommands(r))
	rootCmd.AddCommand(runJobCommands(r))
	rootCmd.AddCommand(configCommands())

	return &Relay{cmd: rootCmd}
}

func (w Relay) executeCLI() {
	if err := w.cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func main() {
	defer recoverPanic()

	cli := NewCLI()
	cli.executeCLI()
}
