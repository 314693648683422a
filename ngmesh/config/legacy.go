package config

import (
	"bufio"
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/samber/oops"
	"go.uber.org/zap"

	"github.com/TheusHen/ngmesh/ngmesh/identity"
)

// LegacyWhitelistFile is the pre-database whitelist: one address per line,
// '#' starts a comment.
const LegacyWhitelistFile = "whitelist"

// ImportLegacy moves a legacy whitelist file from dir into store. The whole
// file is imported in one change; afterwards it is renamed to whitelist.old
// so the import runs once. A missing file is not an error.
func ImportLegacy(store Store, dir string, logger *zap.Logger) (int, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	path := filepath.Join(dir, LegacyWhitelistFile)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, oops.Wrapf(err, "read legacy whitelist %s", path)
	}

	var ids []identity.DeviceID
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := sc.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		id, err := identity.ParseDeviceID(line)
		if err != nil {
			logger.Warn("skipping invalid legacy whitelist entry", zap.String("entry", line))
			continue
		}
		ids = append(ids, id)
	}

	err = store.GroupChanges(func(tx Tx) error {
		for _, id := range ids {
			if err := tx.WhitelistAdd(id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, oops.Wrapf(err, "import legacy whitelist")
	}
	if err := os.Rename(path, path+".old"); err != nil {
		return len(ids), oops.Wrapf(err, "retire legacy whitelist")
	}
	logger.Info("imported legacy whitelist", zap.Int("entries", len(ids)))
	return len(ids), nil
}
