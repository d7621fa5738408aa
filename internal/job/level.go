package job

import (
	"io"
	"log"
	"strconv"
	"strings"
)

// Sensitivity levels shared by TLP and PAP.
const (
	White = 0
	Green = 1
	Amber = 2
	Red   = 3
)

var colorCode = map[string]int{
	"WHITE": White,
	"GREEN": Green,
	"AMBER": Amber,
	"RED":   Red,
}

// LevelName returns the color for a level, or "" when out of range.
func LevelName(level int) string {
	for name, v := range colorCode {
		if v == level {
			return name
		}
	}
	return ""
}

// ConvertLevel maps an integer or a WHITE/GREEN/AMBER/RED name to 0..3,
// returning def for anything else. Fallbacks are reported on logger, which
// callers usually wire to their debug output.
func ConvertLevel(value interface{}, def int, logger *log.Logger) int {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	switch v := value.(type) {
	case int:
		if v >= White && v <= Red {
			return v
		}
		logger.Printf("Integer value %d is out of range (0-3), %d default value will be used", v, def)
		return def
	case int64:
		return ConvertLevel(int(v), def, logger)
	case float64:
		if v == float64(int(v)) {
			return ConvertLevel(int(v), def, logger)
		}
	case string:
		s := strings.ToUpper(strings.TrimSpace(v))
		if code, ok := colorCode[s]; ok {
			return code
		}
		if n, err := strconv.Atoi(s); err == nil {
			return ConvertLevel(n, def, logger)
		}
		logger.Printf("String value %s is not in ['WHITE','GREEN','AMBER','RED'], %d default value will be used", v, def)
		return def
	}
	logger.Printf("Value %v is not an integer or a string, %d default value will be used", value, def)
	return def
}
