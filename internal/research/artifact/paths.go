package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	apperrors "github.com/ItzCrazyKns/deepresearch/internal/errors"
	"github.com/ItzCrazyKns/deepresearch/internal/pathutil"
)

const (
	ManifestFileName = "manifest.json"
	IndexFileName    = "index.json"
	ArtifactsDirName = "artifacts"
	LockFileName     = "store.lock"
)

var (
	sessionIDRe = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)
	slugRe      = regexp.MustCompile(`[^a-z0-9]+`)
)

// ResolveRootPath expands the configured store root to an absolute path.
func ResolveRootPath(root string) (string, error) {
	expanded, err := pathutil.Expand(root)
	if err != nil {
		return "", apperrors.Wrap(err, "expand store root")
	}
	abs, err := filepath.Abs(expanded)
	if err != nil {
		return "", apperrors.Wrap(err, "resolve store root")
	}
	return abs, nil
}

// ValidateSessionID rejects identifiers that could escape the store root
// when joined into a path.
func ValidateSessionID(id string) error {
	if id == "" {
		return apperrors.InvalidInput("session id is empty")
	}
	if id == "." || id == ".." || !sessionIDRe.MatchString(id) {
		return apperrors.InvalidInput(fmt.Sprintf("invalid session id %q", id))
	}
	return nil
}

func sessionDir(root, id string) string {
	return filepath.Join(root, id)
}

func manifestPath(root, id string) string {
	return filepath.Join(root, id, ManifestFileName)
}

func artifactDir(root, id string, kind Kind) string {
	return filepath.Join(root, id, ArtifactsDirName, string(kind))
}

func artifactPath(root, id string, kind Kind, name string) string {
	return filepath.Join(artifactDir(root, id, kind), name+".json")
}

// SanitizeName derives a filesystem-safe artifact name from a free-form
// label. The content digest suffix keeps names unique even when two
// labels collapse to the same slug.
func SanitizeName(label string, content []byte) string {
	slug := strings.ToLower(label)
	slug = slugRe.ReplaceAllString(slug, "-")
	slug = strings.Trim(slug, "-")
	if len(slug) > 48 {
		slug = slug[:48]
		slug = strings.Trim(slug, "-")
	}
	if slug == "" {
		slug = "artifact"
	}
	sum := sha256.Sum256(content)
	return slug + "-" + hex.EncodeToString(sum[:4])
}

// withinRoot guards delete paths against traversal out of the store root.
func withinRoot(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
