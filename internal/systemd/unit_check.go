package systemd

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
)

// HashSuffix names the file holding the install-time hash of a unit.
const HashSuffix = ".sha256"

// Hash returns the hex SHA-256 of a unit file's content.
func Hash(content []byte) string {
	h := sha256.Sum256(content)
	return hex.EncodeToString(h[:])
}

// CheckUnitFile compares the unit at unitPath with the hash stored next
// to it at install time. It returns a message when the unit was modified,
// or "" when it matches or there is nothing to check.
func CheckUnitFile(unitPath string) string {
	stored, err := os.ReadFile(unitPath + HashSuffix)
	if err != nil {
		return ""
	}
	expected := strings.TrimSpace(string(stored))
	if len(expected) != 64 {
		return ""
	}

	data, err := os.ReadFile(unitPath)
	if err != nil {
		return fmt.Sprintf("cannot read unit file %s: %v", unitPath, err)
	}
	actual := Hash(data)
	if actual == expected {
		return ""
	}
	return fmt.Sprintf("unit file %s has been modified since installation (expected %s, got %s)",
		unitPath, expected[:16], actual[:16])
}
