package database

import (
	"log"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/viper"
)

// InitNATS connects to the NATS broker used for fraud and large-transaction
// alert events. Like Redis, the broker is optional: on failure the server
// runs without it and alert publishing is skipped.
func InitNATS() *nats.Conn {
	viper.SetDefault("nats.url", nats.DefaultURL)

	nc, err := nats.Connect(
		viper.GetString("nats.url"),
		nats.Name("wallet-backend"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		log.Printf("NATS connection failed, continuing without NATS: %v", err)
		return nil
	}

	log.Println("NATS connection established")
	return nc
}
