// Package config loads the stack's runtime options from an INI file:
// ini.Load, then Section(...).Key(...) pulled into a plain Go struct.
package config

import (
	"fmt"
	"regexp"
	"strconv"

	"gopkg.in/ini.v1"
)

// Options carries every tunable named in the configuration schema.
type Options struct {
	DriverName    string
	DriverPort    string
	DriverBaud    int
	DriverOptions string
	AutoBaud      bool

	IdleDisconnectLink uint32
	MaxWindow          int

	// ChannelMTU overrides the default reassembly/fragmentation buffer
	// size for channels matching a name pattern, e.g. "SYS$RPCS.*".
	ChannelMTU map[string]int
}

// Defaults returns the option set a freshly installed configuration file
// would produce if every key were left at its documented default.
func Defaults() Options {
	return Options{
		DriverName:         "serial",
		DriverBaud:         9600,
		AutoBaud:           true,
		IdleDisconnectLink: 6000,
		MaxWindow:          5,
		ChannelMTU:         map[string]int{},
	}
}

var channelSection = regexp.MustCompile(`^channel\s+"(.+)"$`)

// Load reads and parses the INI file at path.
func Load(path string) (Options, error) {
	opts := Defaults()

	file, err := ini.Load(path)
	if err != nil {
		return opts, err
	}

	if driver, err := file.GetSection("driver"); err == nil {
		opts.DriverName = driver.Key("name").MustString(opts.DriverName)
		opts.DriverPort = driver.Key("port").String()
		opts.DriverBaud = driver.Key("baud").MustInt(opts.DriverBaud)
		opts.DriverOptions = driver.Key("options").String()
		opts.AutoBaud = driver.Key("auto_baud").MustBool(opts.AutoBaud)
	}

	if link, err := file.GetSection("link"); err == nil {
		idle, err := strconv.ParseUint(link.Key("idle_disconnect").MustString(fmt.Sprint(opts.IdleDisconnectLink)), 10, 32)
		if err != nil {
			return opts, fmt.Errorf("config: link.idle_disconnect: %w", err)
		}
		opts.IdleDisconnectLink = uint32(idle)
		opts.MaxWindow = link.Key("max_window").MustInt(opts.MaxWindow)
	}

	for _, section := range file.Sections() {
		m := channelSection.FindStringSubmatch(section.Name())
		if m == nil {
			continue
		}
		opts.ChannelMTU[m[1]] = section.Key("mtu").MustInt(0)
	}

	return opts, nil
}
