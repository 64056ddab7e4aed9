// Package config loads the description of the platform the monitor runs on.
package config

import (
	"fmt"
	"os"

	"github.com/tinyrange/partmon/internal/guest"
	"github.com/tinyrange/partmon/internal/monitor"
	"github.com/tinyrange/partmon/internal/platform"
	"gopkg.in/yaml.v3"
)

const DefaultFilename = "partmon.yaml"

// Defaults describe a Raspberry Pi 4 class board.
const (
	DefaultRAMSizeMB          = 1024
	DefaultRegisterWindowBase = 0xFC000000
	DefaultRegisterWindowEnd  = 0x100000000
	DefaultUARTBase           = 0xFE201000
	DefaultImageBase          = 0x80000
	DefaultImageSize          = 0x200000
	DefaultPoolPages          = 64
	DefaultCores              = 4
	DefaultMIDR               = 0x410FD083 // Cortex-A72 r0p3
)

// Config is the contents of a partmon.yaml file.
type Config struct {
	Version int `yaml:"version"`

	Platform PlatformConfig `yaml:"platform"`
	Monitor  MonitorConfig  `yaml:"monitor"`
	Cores    []CoreConfig   `yaml:"cores,omitempty"`

	// Guest enables identification and patching of the guest kernel.
	Guest *GuestConfig `yaml:"guest,omitempty"`
}

type PlatformConfig struct {
	RAMBase            uint64 `yaml:"ramBase"`
	RAMSizeMB          uint64 `yaml:"ramSizeMB,omitempty"`
	RegisterWindowBase uint64 `yaml:"registerWindowBase,omitempty"`
	RegisterWindowEnd  uint64 `yaml:"registerWindowEnd,omitempty"`
	UARTBase           uint64 `yaml:"uartBase,omitempty"`
}

type MonitorConfig struct {
	ImageBase uint64 `yaml:"imageBase,omitempty"`
	ImageSize uint64 `yaml:"imageSize,omitempty"`

	// PoolBase defaults to the first page after the image.
	PoolBase   uint64 `yaml:"poolBase,omitempty"`
	PoolPages  int    `yaml:"poolPages,omitempty"`
	StackPages int    `yaml:"stackPages,omitempty"`

	// VectorOffset and SecondaryEntryOffset are relative to ImageBase.
	VectorOffset         uint64 `yaml:"vectorOffset,omitempty"`
	SecondaryEntryOffset uint64 `yaml:"secondaryEntryOffset,omitempty"`
}

type CoreConfig struct {
	MPIDR uint64 `yaml:"mpidr"`
	MIDR  uint64 `yaml:"midr,omitempty"`
}

type GuestConfig struct {
	ScanStart     uint64 `yaml:"scanStart,omitempty"`
	ScanEnd       uint64 `yaml:"scanEnd,omitempty"`
	VersionWindow uint64 `yaml:"versionWindow,omitempty"`

	// Builds maps a kernel build number to the patch site's offset from the
	// kernel base.
	Builds map[uint32]uint64 `yaml:"builds,omitempty"`

	Sequence   []uint32 `yaml:"sequence,omitempty"`
	Mask       []uint32 `yaml:"mask,omitempty"`
	SiteIndex  int      `yaml:"siteIndex,omitempty"`
	SearchSize uint64   `yaml:"searchSize,omitempty"`
}

func (c *Config) normalize() {
	if c.Version == 0 {
		c.Version = 1
	}
	p := &c.Platform
	if p.RAMSizeMB == 0 {
		p.RAMSizeMB = DefaultRAMSizeMB
	}
	if p.RegisterWindowBase == 0 && p.RegisterWindowEnd == 0 {
		p.RegisterWindowBase = DefaultRegisterWindowBase
		p.RegisterWindowEnd = DefaultRegisterWindowEnd
	}
	if p.UARTBase == 0 {
		p.UARTBase = DefaultUARTBase
	}

	m := &c.Monitor
	if m.ImageBase == 0 {
		m.ImageBase = p.RAMBase + DefaultImageBase
	}
	if m.ImageSize == 0 {
		m.ImageSize = DefaultImageSize
	}
	if m.PoolBase == 0 {
		m.PoolBase = pageAlign(m.ImageBase + m.ImageSize)
	}
	if m.PoolPages == 0 {
		m.PoolPages = DefaultPoolPages
	}
	if m.StackPages == 0 {
		m.StackPages = 1
	}
	if m.SecondaryEntryOffset == 0 {
		m.SecondaryEntryOffset = 0x1000
	}

	if len(c.Cores) == 0 {
		for i := 0; i < DefaultCores; i++ {
			c.Cores = append(c.Cores, CoreConfig{MPIDR: 0x80000000 | uint64(i)})
		}
	}
	for i := range c.Cores {
		if c.Cores[i].MIDR == 0 {
			c.Cores[i].MIDR = DefaultMIDR
		}
	}
}

func pageAlign(v uint64) uint64 {
	const page = 0x1000
	return (v + page - 1) &^ (page - 1)
}

// Default returns the configuration used when no file is given.
func Default() Config {
	var c Config
	c.normalize()
	return c
}

// Parse decodes a partmon.yaml document.
func Parse(data []byte) (Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", DefaultFilename, err)
	}
	c.normalize()
	return c, nil
}

// Load reads and decodes path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}
	return Parse(data)
}

// RAMSize returns the size of RAM in bytes.
func (c *Config) RAMSize() uint64 { return c.Platform.RAMSizeMB << 20 }

// VectorBase returns the physical address of the EL2 vector table.
func (c *Config) VectorBase() uint64 { return c.Monitor.ImageBase + c.Monitor.VectorOffset }

// SecondaryEntry returns the physical address of the secondary entry point.
func (c *Config) SecondaryEntry() uint64 {
	return c.Monitor.ImageBase + c.Monitor.SecondaryEntryOffset
}

// Layout builds the platform layout described by c.
func (c *Config) Layout() (*platform.Layout, error) {
	p := c.Platform
	l, err := platform.NewLayout(p.RAMBase, c.RAMSize(), p.RegisterWindowBase, p.RegisterWindowEnd)
	if err != nil {
		return nil, err
	}
	if err := l.SetImage(c.Monitor.ImageBase, c.Monitor.ImageSize); err != nil {
		return nil, err
	}
	if err := l.RegisterFixed("uart", p.UARTBase, 0x1000); err != nil {
		return nil, err
	}
	return l, nil
}

// GuestOptions returns the monitor's guest options, or nil when scanning is
// disabled.
func (c *Config) GuestOptions() *monitor.GuestOptions {
	g := c.Guest
	if g == nil {
		return nil
	}
	return &monitor.GuestOptions{
		Scan: guest.ScanConfig{
			Start:         g.ScanStart,
			End:           g.ScanEnd,
			VersionWindow: g.VersionWindow,
		},
		Patch: guest.PatchConfig{
			Offsets:    g.Builds,
			Sequence:   g.Sequence,
			Mask:       g.Mask,
			SiteIndex:  g.SiteIndex,
			SearchSize: g.SearchSize,
		},
	}
}

// Write encodes c to path.
func Write(path string, c Config) error {
	c.normalize()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(&c); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}
