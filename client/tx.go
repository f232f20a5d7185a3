package client

import (
	"context"
	"time"

	"github.com/openjdbcproxy/ojp-go/protocol"
)

// Tx is a server-demarcated local transaction on the connection's primary
// session.
type Tx struct {
	conn *Conn
	done bool
}

// Commit implements driver.Tx.
func (tx *Tx) Commit() error {
	return tx.conclude(protocol.VerbCommitTransaction)
}

// Rollback implements driver.Tx.
func (tx *Tx) Rollback() error {
	return tx.conclude(protocol.VerbRollbackTransaction)
}

func (tx *Tx) conclude(verb protocol.Verb) error {
	if tx.done {
		return nil
	}
	tx.done = true
	defer tx.conn.busy.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_, err := tx.conn.manager.CallSession(ctx, tx.conn.SessionID(), verb, tx.conn.primary.Info)
	return err
}
