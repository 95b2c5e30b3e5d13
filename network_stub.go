//go:build !linux

package main

import (
	"context"
	"fmt"
	"net"

	"go.uber.org/zap"
)

// StubProvisioner 非 Linux 平台的配置器，只記錄不實際配置
type StubProvisioner struct {
	BaseProvisioner
}

func newPlatformProvisioner(interfaceName string, logger *zap.Logger) NetworkProvisioner {
	return &StubProvisioner{
		BaseProvisioner: BaseProvisioner{
			InterfaceName: interfaceName,
			Logger:        logger,
		},
	}
}

// Setup 設置監聽 IP (stub)
func (p *StubProvisioner) Setup(ctx context.Context, ips []net.IP) error {
	if err := p.Validate(ips); err != nil {
		return err
	}

	p.Logger.Warn("監聽 IP 配置僅在 Linux 上支援",
		zap.String("interface", p.InterfaceName),
		zap.Int("count", len(ips)),
	)
	p.ConfiguredIPs = append(p.ConfiguredIPs, ips...)
	return nil
}

// Teardown 移除監聽 IP (stub)
func (p *StubProvisioner) Teardown(ctx context.Context) error {
	p.ConfiguredIPs = nil
	return nil
}

// Remove 移除監聽 IP (stub)
func (p *StubProvisioner) Remove(ctx context.Context, ips []net.IP) error {
	return p.Validate(ips)
}

// List 列出網路介面上的 IPv4 位址
func (p *StubProvisioner) List(ctx context.Context) ([]net.IP, error) {
	iface, err := net.InterfaceByName(p.InterfaceName)
	if err != nil {
		return nil, fmt.Errorf("找不到網路介面 %s: %w", p.InterfaceName, err)
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return nil, fmt.Errorf("列出 IP 失敗: %w", err)
	}

	var ips []net.IP
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && ipNet.IP.To4() != nil {
			ips = append(ips, ipNet.IP)
		}
	}
	return ips, nil
}
