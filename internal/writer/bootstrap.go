package writer

import (
	"os"

	serrors "github.com/revred/sharc/errors"
	"github.com/revred/sharc/internal/btree"
	"github.com/revred/sharc/internal/crypto"
	"github.com/revred/sharc/internal/pageio"
)

// InitDatabase creates a new single-page database file: the 100-byte
// header followed by an empty sqlite_schema leaf. With a cipher the page
// is encrypted and the header reserves the trailer bytes.
func InitDatabase(path string, pageSize int, cipher *crypto.PageCipher) error {
	if _, err := os.Stat(path); err == nil {
		return serrors.NewArgument("path", "file already exists")
	}

	var reserved uint8
	if cipher != nil {
		reserved = crypto.TrailerSize
	}
	header := pageio.NewDatabaseHeader(pageSize, reserved)
	header.DatabaseSize = 1

	page1 := make([]byte, pageSize)
	btree.InitPage(page1, 1, btree.PageTypeLeafTable, uint32(header.UsableSize()))
	copy(page1[:pageio.DatabaseHeaderSize], header.Serialize())

	if cipher != nil {
		if err := cipher.EncryptPage(1, page1); err != nil {
			return err
		}
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return serrors.Wrap(err, "create database")
	}
	defer f.Close()
	if _, err := f.Write(page1); err != nil {
		return serrors.Wrap(err, "write first page")
	}
	return f.Sync()
}
