package trace

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// New builds the configured source. fallbackNode is used by the node source
// when the config names no address of its own.
func New(log logrus.FieldLogger, cfg *Config, fallbackNode string, fallbackHeaders map[string]string) (Source, error) {
	switch cfg.Source {
	case SourceNode:
		addr, headers := cfg.NodeAddress, cfg.NodeHeaders
		if addr == "" {
			addr, headers = fallbackNode, fallbackHeaders
		}

		return NewNodeSource(log, addr, headers)
	case SourceExplorer:
		return NewExplorerSource(log, cfg), nil
	case SourceNone, "":
		return nil, ErrDisabled
	default:
		return nil, fmt.Errorf("unknown trace source %q", cfg.Source)
	}
}
