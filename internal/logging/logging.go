package logging

import (
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the root logger. format is "json" or "console".
func New(level, format string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(strings.TrimSpace(strings.ToLower(orDefault(level, "info"))))
	if err != nil {
		return nil, eris.Wrapf(err, "log level %q", level)
	}
	var cfg zap.Config
	switch strings.ToLower(orDefault(format, "json")) {
	case "json":
		cfg = zap.NewProductionConfig()
	case "console":
		cfg = zap.NewDevelopmentConfig()
	default:
		return nil, eris.Errorf("log format %q: want json or console", format)
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	return cfg.Build()
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

// MaskVIN keeps the first and last three characters.
func MaskVIN(vin string) string {
	if len(vin) != 17 {
		return "***"
	}
	return vin[:3] + strings.Repeat("*", 11) + vin[14:]
}

// MaskPlate: ABC1234 -> A**1**4
func MaskPlate(plate string) string {
	clean := strings.ReplaceAll(plate, "-", "")
	if len(clean) < 7 {
		return "***"
	}
	return clean[:1] + "**" + clean[3:4] + "**" + clean[len(clean)-1:]
}

// MaskRegistration: 12345678901 -> 123****8901
func MaskRegistration(reg string) string {
	if len(reg) != 11 {
		return "***"
	}
	return reg[:3] + "****" + reg[7:]
}

// MaskIdentifier picks the mask by shape. Values that match nothing are fully hidden.
func MaskIdentifier(id string) string {
	s := strings.ToUpper(strings.TrimSpace(id))
	switch {
	case len(s) == 17:
		return MaskVIN(s)
	case len(s) == 11 && isDigits(s):
		return MaskRegistration(s)
	case len(strings.ReplaceAll(s, "-", "")) == 7:
		return MaskPlate(s)
	default:
		return "***"
	}
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// VIN is a zap field carrying a masked VIN.
func VIN(vin string) zap.Field {
	return zap.String("vin", MaskIdentifier(vin))
}

// Identifier is a zap field carrying a masked raw identifier.
func Identifier(id string) zap.Field {
	return zap.String("identifier", MaskIdentifier(id))
}
