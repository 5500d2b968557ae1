// Package kstate maintains a read-mostly catalog of what the kernel
// currently knows about block devices.
//
// The catalog is the engine's view of reality: it is rebuilt wholesale from
// lsblk output on every refresh and queried by name, path, or UUID. Keeping
// it in an in-memory database gives cheap indexed lookups plus consistent
// snapshot reads while a refresh is replacing the contents.
package kstate

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"

	memdb "github.com/hashicorp/go-memdb"
	"github.com/sirupsen/logrus"
)

// BlockDevice is one row of kernel state, flattened from the lsblk tree.
type BlockDevice struct {
	Name       string `json:"name"`
	Path       string `json:"path"`
	Type       string `json:"type"` // lsblk TYPE: disk, part, lvm, crypt, ...
	Size       int64  `json:"size"`
	FSType     string `json:"fstype"`
	UUID       string `json:"uuid"`
	Label      string `json:"label"`
	Mountpoint string `json:"mountpoint"`
	Parent     string `json:"pkname"`
	ReadOnly   bool   `json:"ro"`
}

// InUse reports whether the kernel considers the device busy: mounted, or
// hosting other devices.
func (b *BlockDevice) InUse(c *Catalog) bool {
	if b.Mountpoint != "" {
		return true
	}
	kids, err := c.ChildrenOf(b.Name)
	return err == nil && len(kids) > 0
}

const tableBlockdev = "blockdev"

func schema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			tableBlockdev: {
				Name: tableBlockdev,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "Name"},
					},
					"path": {
						Name:         "path",
						Unique:       true,
						AllowMissing: true,
						Indexer:      &memdb.StringFieldIndex{Field: "Path"},
					},
					"uuid": {
						Name:         "uuid",
						AllowMissing: true,
						Indexer:      &memdb.StringFieldIndex{Field: "UUID"},
					},
					"parent": {
						Name:         "parent",
						AllowMissing: true,
						Indexer:      &memdb.StringFieldIndex{Field: "Parent"},
					},
					"type": {
						Name:         "type",
						AllowMissing: true,
						Indexer:      &memdb.StringFieldIndex{Field: "Type"},
					},
				},
			},
		},
	}
}

// Catalog is the kernel-state database.
type Catalog struct {
	db     *memdb.MemDB
	logger logrus.FieldLogger

	// scan produces raw lsblk JSON; swapped out in tests.
	scan func(ctx context.Context) ([]byte, error)
}

// NewCatalog creates an empty catalog. logger may be nil.
func NewCatalog(logger logrus.FieldLogger) (*Catalog, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	db, err := memdb.NewMemDB(schema())
	if err != nil {
		return nil, fmt.Errorf("kstate schema: %w", err)
	}
	c := &Catalog{
		db:     db,
		logger: logger.WithField("component", "kstate"),
	}
	c.scan = c.runLsblk
	return c, nil
}

func (c *Catalog) runLsblk(ctx context.Context) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	start := time.Now()
	cmd := exec.CommandContext(ctx, "lsblk", "-J", "-b",
		"-o", "NAME,PATH,TYPE,SIZE,FSTYPE,UUID,LABEL,MOUNTPOINT,PKNAME,RO")
	output, err := cmd.Output()
	c.logger.WithFields(logrus.Fields{
		"duration_ms": time.Since(start).Milliseconds(),
	}).Debug("lsblk scan")
	if err != nil {
		return nil, fmt.Errorf("lsblk: %w", err)
	}
	return output, nil
}

// lsblkNode mirrors lsblk's nested JSON output.
type lsblkNode struct {
	Name       string      `json:"name"`
	Path       string      `json:"path"`
	Type       string      `json:"type"`
	Size       int64       `json:"size"`
	FSType     string      `json:"fstype"`
	UUID       string      `json:"uuid"`
	Label      string      `json:"label"`
	Mountpoint string      `json:"mountpoint"`
	PKName     string      `json:"pkname"`
	RO         bool        `json:"ro"`
	Children   []lsblkNode `json:"children"`
}

type lsblkOutput struct {
	Blockdevices []lsblkNode `json:"blockdevices"`
}

// Refresh rebuilds the catalog from a fresh kernel scan. The swap is atomic:
// readers either see the old state or the new one, never a mix.
func (c *Catalog) Refresh(ctx context.Context) error {
	data, err := c.scan(ctx)
	if err != nil {
		return err
	}
	return c.Load(data)
}

// Load rebuilds the catalog from raw lsblk JSON.
func (c *Catalog) Load(data []byte) error {
	var out lsblkOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return fmt.Errorf("parse lsblk output: %w", err)
	}

	var rows []*BlockDevice
	var flatten func(parent string, nodes []lsblkNode)
	flatten = func(parent string, nodes []lsblkNode) {
		for _, n := range nodes {
			pk := n.PKName
			if pk == "" {
				pk = parent
			}
			rows = append(rows, &BlockDevice{
				Name:       n.Name,
				Path:       n.Path,
				Type:       n.Type,
				Size:       n.Size,
				FSType:     n.FSType,
				UUID:       n.UUID,
				Label:      n.Label,
				Mountpoint: n.Mountpoint,
				Parent:     pk,
				ReadOnly:   n.RO,
			})
			flatten(n.Name, n.Children)
		}
	}
	flatten("", out.Blockdevices)

	txn := c.db.Txn(true)
	if _, err := txn.DeleteAll(tableBlockdev, "id_prefix", ""); err != nil {
		txn.Abort()
		return fmt.Errorf("clear catalog: %w", err)
	}
	for _, row := range rows {
		if err := txn.Insert(tableBlockdev, row); err != nil {
			txn.Abort()
			return fmt.Errorf("insert %s: %w", row.Name, err)
		}
	}
	txn.Commit()

	c.logger.WithField("devices", len(rows)).Debug("kernel state refreshed")
	return nil
}

// ByName returns the kernel's record for a device name, or nil.
func (c *Catalog) ByName(name string) (*BlockDevice, error) {
	txn := c.db.Txn(false)
	defer txn.Abort()
	raw, err := txn.First(tableBlockdev, "id", name)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	return raw.(*BlockDevice), nil
}

// ByPath returns the kernel's record for a device node path, or nil.
func (c *Catalog) ByPath(path string) (*BlockDevice, error) {
	txn := c.db.Txn(false)
	defer txn.Abort()
	raw, err := txn.First(tableBlockdev, "path", path)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	return raw.(*BlockDevice), nil
}

// ByUUID returns the kernel's records carrying the given filesystem UUID.
func (c *Catalog) ByUUID(uuid string) ([]*BlockDevice, error) {
	txn := c.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get(tableBlockdev, "uuid", uuid)
	if err != nil {
		return nil, err
	}
	var out []*BlockDevice
	for raw := it.Next(); raw != nil; raw = it.Next() {
		out = append(out, raw.(*BlockDevice))
	}
	return out, nil
}

// ChildrenOf returns the kernel's records whose parent is the given name.
func (c *Catalog) ChildrenOf(name string) ([]*BlockDevice, error) {
	txn := c.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get(tableBlockdev, "parent", name)
	if err != nil {
		return nil, err
	}
	var out []*BlockDevice
	for raw := it.Next(); raw != nil; raw = it.Next() {
		out = append(out, raw.(*BlockDevice))
	}
	return out, nil
}

// ByType returns the kernel's records of the given lsblk type.
func (c *Catalog) ByType(typ string) ([]*BlockDevice, error) {
	txn := c.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get(tableBlockdev, "type", typ)
	if err != nil {
		return nil, err
	}
	var out []*BlockDevice
	for raw := it.Next(); raw != nil; raw = it.Next() {
		out = append(out, raw.(*BlockDevice))
	}
	return out, nil
}

// All returns every record in the catalog.
func (c *Catalog) All() ([]*BlockDevice, error) {
	txn := c.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get(tableBlockdev, "id")
	if err != nil {
		return nil, err
	}
	var out []*BlockDevice
	for raw := it.Next(); raw != nil; raw = it.Next() {
		out = append(out, raw.(*BlockDevice))
	}
	return out, nil
}

// SetScanner replaces the lsblk invocation, for tests.
func (c *Catalog) SetScanner(fn func(ctx context.Context) ([]byte, error)) {
	c.scan = fn
}
