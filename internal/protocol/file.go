package protocol

import (
	"encoding/base64"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// DefaultMaxFileSize is the attachment ceiling, measured before encoding.
const DefaultMaxFileSize = 5 * 1024 * 1024

// FileStampLayout formats the timestamp used in stored names and file IDs.
const FileStampLayout = "20060102_150405"

var allowedExtensions = map[string]struct{}{
	".jpg": {}, ".jpeg": {}, ".png": {}, ".gif": {}, ".bmp": {}, ".webp": {},
	".txt": {}, ".pdf": {}, ".doc": {}, ".docx": {}, ".rtf": {},
	".zip": {}, ".rar": {}, ".7z": {},
	".mp3": {}, ".wav": {}, ".ogg": {},
	".mp4": {}, ".avi": {}, ".mov": {}, ".webm": {},
	".py": {}, ".js": {}, ".html": {}, ".css": {}, ".json": {}, ".xml": {}, ".csv": {},
}

// ValidationError is a rejected request. Message is sent to the client verbatim.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func invalid(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// ValidateFile checks an attachment's declared name and size. The result
// depends only on its arguments.
func ValidateFile(filename string, size, max int64) error {
	if strings.TrimSpace(filename) == "" {
		return invalid("Filename cannot be empty!")
	}
	if filename == "." || filename == ".." ||
		strings.ContainsAny(filename, `/\`) ||
		strings.ContainsRune(filename, 0) {
		return invalid("Invalid filename!")
	}
	if size < 0 {
		return invalid("Invalid file size!")
	}
	if size > max {
		return TooLarge(max)
	}

	ext := strings.ToLower(filepath.Ext(filename))
	if _, ok := allowedExtensions[ext]; !ok {
		return invalid("File type not allowed: %s", ext)
	}
	return nil
}

// TooLarge returns the error reported for attachments over max bytes.
func TooLarge(max int64) error {
	return invalid("File too large! Maximum size is %s", formatLimit(max))
}

func formatLimit(max int64) string {
	const mib = 1024 * 1024
	if max >= mib && max%mib == 0 {
		return fmt.Sprintf("%dMB", max/mib)
	}
	return fmt.Sprintf("%d bytes", max)
}

// DecodeFileContent decodes a standard base64 attachment body.
func DecodeFileContent(content string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(content)
	if err != nil {
		return nil, invalid("Invalid file data!")
	}
	return data, nil
}

// FileStamp renders t as YYYYMMDD_HHMMSS.
func FileStamp(t time.Time) string {
	return t.Format(FileStampLayout)
}

// FileID is the identifier clients use to refer to a relayed attachment.
func FileID(sender, filename, stamp string) string {
	return sender + "_" + filename + "_" + stamp
}

// storedNameReplacer maps characters nicknames may contain but object names
// may not.
var storedNameReplacer = strings.NewReplacer("/", "_", `\`, "_", "\x00", "_")

// StoredName is the name an attachment is persisted under. The sender is
// flattened so it cannot introduce a path separator.
func StoredName(stamp, sender, filename string) string {
	return stamp + "_" + storedNameReplacer.Replace(sender) + "_" + filename
}
