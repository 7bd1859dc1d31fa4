package bytestore

import (
	"path"
	"regexp"
	"strings"
)

// Корневые директории активного хранилища.
const (
	DirFiles   = "files"
	DirTmp     = "tmp"
	DirStaging = "staging"
)

var segmentRe = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)

// ValidSegment проверяет, что идентификатор пригоден как сегмент пути.
func ValidSegment(s string) bool {
	return segmentRe.MatchString(s) && s != "." && s != ".."
}

// ActivePath — путь blob-а активного файла. Зависит только от
// тенанта, пациента и id файла, не от содержимого.
func ActivePath(tenantID, patientID, fileID string) string {
	return path.Join(DirFiles, tenantID, patientID, fileID)
}

// TempPath — путь временного файла загрузки.
func TempPath(fileID string) string {
	return path.Join(DirTmp, fileID)
}

// StagingPath — промежуточный путь blob-а во время архивирования.
func StagingPath(tenantID, patientID, fileID string) string {
	return path.Join(DirStaging, tenantID, patientID, fileID)
}

// ArchivePath — путь blob-а в архивном хранилище.
func ArchivePath(tenantID, patientID, fileID string) string {
	return path.Join(tenantID, patientID, fileID)
}

// ParseStagingPath разбирает путь вида staging/<tenant>/<patient>/<file>.
func ParseStagingPath(p string) (tenantID, patientID, fileID string, ok bool) {
	return parseBlobPath(p, DirStaging)
}

// ParseActivePath разбирает путь вида files/<tenant>/<patient>/<file>.
func ParseActivePath(p string) (tenantID, patientID, fileID string, ok bool) {
	return parseBlobPath(p, DirFiles)
}

func parseBlobPath(p, root string) (tenantID, patientID, fileID string, ok bool) {
	parts := strings.Split(p, "/")
	if len(parts) != 4 || parts[0] != root {
		return "", "", "", false
	}
	for _, s := range parts[1:] {
		if !ValidSegment(s) {
			return "", "", "", false
		}
	}
	return parts[1], parts[2], parts[3], true
}
