package main

import (
	"fmt"
	"os"

	"gitlab.com/dirk.krummacker/giftagent/internal/config"
	"gitlab.com/dirk.krummacker/giftagent/internal/store"
)

// Usage example on the command line:
// > GIFTAGENT_DATABASE_HOST=localhost GIFTAGENT_DATABASE_USER=dirk GIFTAGENT_DATABASE_PASSWORD=bullo92 go run main.go
func main() {
	cfg, err := config.LoadDatabase()
	if err != nil {
		fmt.Println("could not load configuration", err)
		os.Exit(1)
	}
	db, err := store.Open(cfg)
	if err != nil {
		fmt.Println("could not open database", err)
		os.Exit(1)
	}
	defer db.Close()

	version, err := store.Migrate(db.DB)
	if err != nil {
		fmt.Println("could not migrate database", err)
		os.Exit(1)
	}
	fmt.Printf("database schema is at version %d\n", version)
}
