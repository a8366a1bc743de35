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

/*
Package main provides the CLI commands for managing database migrations of the relay schema.
This includes commands for applying and rolling back migrations.
*/

package main

import (
	"fmt"
	"log"

	migrate "github.com/rubenv/sql-migrate"
	"github.com/spf13/cobra"

	"github.com/blnkfinance/relay"
	"github.com/blnkfinance/relay/database"
)

// migrationSchema is the Postgres schema holding the relay tables and the migration history.
const migrationSchema = "relay"

// migrateCommands creates the root command for migration-related operations.
func migrateCommands(r *relayInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "run relay database migrations",
	}

	cmd.AddCommand(migrateDirectionCommand(r, "up", migrate.Up))
	cmd.AddCommand(migrateDirectionCommand(r, "down", migrate.Down))

	return cmd
}

// migrateDirectionCommand applies the embedded migrations in one direction.
func migrateDirectionCommand(r *relayInstance, use string, direction migrate.MigrationDirection) *cobra.Command {
	cmd := &cobra.Command{
		Use: use,
		Run: func(cmd *cobra.Command, args []string) {
			migrations := migrate.EmbedFileSystemMigrationSource{
				FileSystem: relay.SQLFiles,
				Root:       "sql",
			}

			db, err := database.ConnectDB(r.cnf.DataSource.Dns)
			if err != nil {
				log.Printf("Error connecting to database: %v", err)
				return
			}
			defer db.Close()

			migrate.SetSchema(migrationSchema)

			n, err := migrate.Exec(db, "postgres", migrations, direction)
			if err != nil {
				log.Printf("Error migrating %s: %v", use, err)
				return
			}
			fmt.Printf("Applied %d migrations %s!\n", n, use)
		},
	}

	return cmd
}
