package sshadapter

import (
	"fmt"

	"github.com/pkg/sftp"
)

// SftpBatch opens an SFTP client over the pooled SSH connection and
// runs fn with it, closing the client afterwards regardless of outcome.
func (a *Adapter) SftpBatch(fn func(*sftp.Client) error) error {
	client, err := a.connect()
	if err != nil {
		return err
	}

	sc, err := sftp.NewClient(client)
	if err != nil {
		return fmt.Errorf("open sftp client: %w", err)
	}
	defer sc.Close()

	return fn(sc)
}
