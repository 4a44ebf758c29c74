package storage

import (
	"path"
	"path/filepath"
	"strings"
)

const (
	uploadsPrefix = "uploads"
	outputsPrefix = "outputs"
	archivePrefix = "zips"
)

// UploadKey addresses a stored original.
func UploadKey(sessionID, taskID, filename string) string {
	return path.Join(uploadsPrefix, safe(sessionID), safe(taskID)+"_"+safe(filename))
}

// OutputKey addresses a produced artifact of one task.
func OutputKey(sessionID, taskID, name string) string {
	return path.Join(outputsPrefix, safe(sessionID), safe(taskID), safe(name))
}

// ArchiveKey addresses an assembled archive.
func ArchiveKey(sessionID, name string) string {
	return path.Join(archivePrefix, safe(sessionID), safe(name))
}

// SessionPrefixes lists every key prefix owned by the session.
func SessionPrefixes(sessionID string) []string {
	sid := safe(sessionID)
	return []string{
		path.Join(uploadsPrefix, sid),
		path.Join(outputsPrefix, sid),
		path.Join(archivePrefix, sid),
	}
}

// safe reduces an untrusted name to a single path element.
func safe(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	name = strings.ReplaceAll(name, "..", "_")
	if name == "" || name == "." || name == "/" {
		return "_"
	}
	return name
}
