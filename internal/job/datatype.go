package job

import (
	"strings"

	"github.com/Ashfaaq98/ta-cortex/internal/exitcode"
)

// DataTypes is the allow-list of observable types accepted by Cortex.
var DataTypes = []string{
	"domain",
	"file",
	"filename",
	"fqdn",
	"hash",
	"ip",
	"mail",
	"mail_subject",
	"other",
	"regexp",
	"registry",
	"uri_path",
	"url",
	"user-agent",
}

// NormalizeDataType lower-cases dataType and checks it against DataTypes.
func NormalizeDataType(dataType string) (string, error) {
	lower := strings.ToLower(dataType)
	for _, dt := range DataTypes {
		if dt == lower {
			return lower, nil
		}
	}
	return "", exitcode.New(exitcode.WrongDataType, exitcode.TagWrongDataType,
		"This data type (%s) is not allowed", dataType)
}
