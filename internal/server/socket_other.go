//go:build !linux

package server

import "github.com/Tyrowin/linechat/internal/config"

// Listen is only implemented on linux.
func Listen(_ config.ServerConfig, _ ...Option) (*Reactor, error) {
	return nil, ErrUnsupportedPlatform
}
