package logx

import (
	"flag"
	"fmt"
	"strings"
)

// Flags holds the logging-related command-line flags for cmd/recorder.
type Flags struct {
	Level      string
	Format     string
	File       string
	DebugXMPP  bool
	DebugMUC   bool
	DebugJingle bool
	DebugColibri bool
	DebugICE   bool
	DebugCapture bool
	DebugAll   bool
}

// RegisterFlags registers logging flags on fs and returns the destination.
func RegisterFlags(fs *flag.FlagSet) *Flags {
	f := &Flags{}

	fs.StringVar(&f.Level, "log-level", "info", "log level: debug, info, warn, error")
	fs.StringVar(&f.Format, "log-format", "text", "log output format: text, json")
	fs.StringVar(&f.File, "log-file", "", "log output file path (default: stdout)")

	fs.BoolVar(&f.DebugXMPP, "debug-xmpp", false, "log raw XMPP stanza traffic")
	fs.BoolVar(&f.DebugMUC, "debug-muc", false, "log MUC presence churn")
	fs.BoolVar(&f.DebugJingle, "debug-jingle", false, "log Jingle<->SDP translation")
	fs.BoolVar(&f.DebugColibri, "debug-colibri", false, "log Colibri allocate/release stanzas")
	fs.BoolVar(&f.DebugICE, "debug-ice", false, "log ICE candidate trickling")
	fs.BoolVar(&f.DebugCapture, "debug-capture", false, "log capture subprocess lifecycle")
	fs.BoolVar(&f.DebugAll, "debug-all", false, "enable every debug category")

	return f
}

// ToConfig converts Flags into a logx.Config.
func (f *Flags) ToConfig() (*Config, error) {
	cfg := NewConfig()

	level, err := ParseLevel(f.Level)
	if err != nil {
		return nil, err
	}
	cfg.Level = level

	format, err := ParseFormat(f.Format)
	if err != nil {
		return nil, err
	}
	cfg.Format = format
	cfg.OutputFile = f.File

	type toggle struct {
		on  bool
		cat Category
	}
	toggles := []toggle{
		{f.DebugXMPP, CategoryXMPP},
		{f.DebugMUC, CategoryMUC},
		{f.DebugJingle, CategoryJingle},
		{f.DebugColibri, CategoryColibri},
		{f.DebugICE, CategoryICE},
		{f.DebugCapture, CategoryCapture},
	}

	if f.DebugAll {
		cfg.EnableCategory(CategoryAll)
		cfg.Level = LevelDebug
	} else {
		for _, t := range toggles {
			if t.on {
				cfg.EnableCategory(t.cat)
				cfg.Level = LevelDebug
			}
		}
	}

	return cfg, nil
}

// String renders the active flag set for a one-line startup log message.
func (f *Flags) String() string {
	parts := []string{
		fmt.Sprintf("level=%s", f.Level),
		fmt.Sprintf("format=%s", f.Format),
	}
	if f.File != "" {
		parts = append(parts, "output="+f.File)
	} else {
		parts = append(parts, "output=stdout")
	}

	var cats []string
	if f.DebugAll {
		cats = append(cats, "all")
	} else {
		for name, on := range map[string]bool{
			"xmpp": f.DebugXMPP, "muc": f.DebugMUC, "jingle": f.DebugJingle,
			"colibri": f.DebugColibri, "ice": f.DebugICE, "capture": f.DebugCapture,
		} {
			if on {
				cats = append(cats, name)
			}
		}
	}
	if len(cats) > 0 {
		parts = append(parts, fmt.Sprintf("debug=[%s]", strings.Join(cats, ",")))
	}
	return strings.Join(parts, " ")
}
