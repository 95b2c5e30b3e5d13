package main

import (
	"context"
	"fmt"
	"net"

	"go.uber.org/zap"
)

// NetworkProvisioner 監聽 IP 配置器介面
type NetworkProvisioner interface {
	// Setup 將 IP 加到網路介面上
	Setup(ctx context.Context, ips []net.IP) error

	// Teardown 移除 Setup 加上的 IP
	Teardown(ctx context.Context) error

	// Remove 從網路介面移除指定 IP
	Remove(ctx context.Context, ips []net.IP) error

	// List 列出網路介面上的 IPv4 位址
	List(ctx context.Context) ([]net.IP, error)

	// Validate 驗證 IP
	Validate(ips []net.IP) error
}

// NewNetworkProvisioner 建立網路配置器
func NewNetworkProvisioner(interfaceName string, logger *zap.Logger) NetworkProvisioner {
	return newPlatformProvisioner(interfaceName, logger)
}

// BaseProvisioner 基礎配置器 (共用邏輯)
type BaseProvisioner struct {
	InterfaceName string
	Logger        *zap.Logger
	ConfiguredIPs []net.IP
}

// Validate 驗證 IP: 必須是單一、可指定的 IPv4 位址
func (p *BaseProvisioner) Validate(ips []net.IP) error {
	if len(ips) == 0 {
		return fmt.Errorf("沒有需要配置的 IP")
	}
	for _, ip := range ips {
		if ip.To4() == nil {
			return fmt.Errorf("僅支援 IPv4 位址: %s", ip)
		}
		if ip.IsUnspecified() || ip.IsMulticast() {
			return fmt.Errorf("無法配置的 IP: %s", ip)
		}
	}
	return nil
}

// needsProvisioning 判斷監聽 IP 是否需要額外配置 (未指定或 loopback 不需要)
func needsProvisioning(ip net.IP) bool {
	return ip != nil && !ip.IsUnspecified() && !ip.IsLoopback()
}
