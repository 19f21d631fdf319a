package bolt_test

import (
	"context"
	"errors"
	"io/ioutil"
	"os"
	"testing"

	"github.com/dirsrv/replication/bolt"
	"go.uber.org/zap/zaptest"
)

func NewTestClient(t *testing.T) (*bolt.Client, func(), error) {
	c := bolt.NewClient(zaptest.NewLogger(t))

	f, err := ioutil.TempFile("", "dirsrv-replication-bolt-")
	if err != nil {
		return nil, nil, errors.New("unable to open temporary boltdb file")
	}
	f.Close()

	c.Path = f.Name()

	if err := c.Open(context.TODO()); err != nil {
		return nil, nil, err
	}

	close := func() {
		c.Close()
		os.Remove(c.Path)
	}

	return c, close, nil
}
