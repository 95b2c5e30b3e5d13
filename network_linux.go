//go:build linux

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"

	"github.com/vishvananda/netlink"
	"go.uber.org/zap"
)

// LinuxProvisioner Linux 網路配置器
type LinuxProvisioner struct {
	BaseProvisioner
	link netlink.Link
}

func newPlatformProvisioner(interfaceName string, logger *zap.Logger) NetworkProvisioner {
	return &LinuxProvisioner{
		BaseProvisioner: BaseProvisioner{
			InterfaceName: interfaceName,
			Logger:        logger,
		},
	}
}

func (p *LinuxProvisioner) resolveLink() (netlink.Link, error) {
	if p.link != nil {
		return p.link, nil
	}
	link, err := netlink.LinkByName(p.InterfaceName)
	if err != nil {
		return nil, fmt.Errorf("找不到網路介面 %s: %w", p.InterfaceName, err)
	}
	p.link = link
	return link, nil
}

func hostAddr(ip net.IP) *netlink.Addr {
	return &netlink.Addr{
		IPNet: &net.IPNet{
			IP:   ip.To4(),
			Mask: net.CIDRMask(32, 32),
		},
	}
}

// Setup 以 netlink 加入 /32 位址；已存在的位址不會在 Teardown 時移除
func (p *LinuxProvisioner) Setup(ctx context.Context, ips []net.IP) error {
	if err := p.Validate(ips); err != nil {
		return err
	}

	link, err := p.resolveLink()
	if err != nil {
		return err
	}

	p.Logger.Info("正在設置監聽 IP",
		zap.String("interface", p.InterfaceName),
		zap.Int("count", len(ips)),
	)

	for _, ip := range ips {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := netlink.AddrAdd(link, hostAddr(ip)); err != nil {
			if errors.Is(err, syscall.EEXIST) {
				p.Logger.Debug("IP 已存在", zap.String("ip", ip.String()))
				continue
			}
			return fmt.Errorf("添加 IP %s 失敗: %w", ip, err)
		}

		p.ConfiguredIPs = append(p.ConfiguredIPs, ip)
		p.Logger.Debug("已添加 IP", zap.String("ip", ip.String()))
	}

	p.Logger.Info("監聽 IP 設置完成", zap.Int("added", len(p.ConfiguredIPs)))
	return nil
}

// Teardown 移除 Setup 加入的位址
func (p *LinuxProvisioner) Teardown(ctx context.Context) error {
	if len(p.ConfiguredIPs) == 0 {
		return nil
	}
	err := p.Remove(ctx, p.ConfiguredIPs)
	p.ConfiguredIPs = nil
	return err
}

// Remove 從網路介面移除指定位址
func (p *LinuxProvisioner) Remove(ctx context.Context, ips []net.IP) error {
	if err := p.Validate(ips); err != nil {
		return err
	}

	link, err := p.resolveLink()
	if err != nil {
		return err
	}

	var errs []error
	removed := 0
	for _, ip := range ips {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := netlink.AddrDel(link, hostAddr(ip)); err != nil {
			p.Logger.Warn("移除 IP 失敗", zap.String("ip", ip.String()), zap.Error(err))
			errs = append(errs, fmt.Errorf("移除 IP %s 失敗: %w", ip, err))
			continue
		}
		removed++
		p.Logger.Debug("已移除 IP", zap.String("ip", ip.String()))
	}

	p.Logger.Info("監聽 IP 移除完成", zap.Int("removed", removed))
	return errors.Join(errs...)
}

// List 列出網路介面上的 IPv4 位址
func (p *LinuxProvisioner) List(ctx context.Context) ([]net.IP, error) {
	link, err := p.resolveLink()
	if err != nil {
		return nil, err
	}

	addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
	if err != nil {
		return nil, fmt.Errorf("列出 IP 失敗: %w", err)
	}

	ips := make([]net.IP, 0, len(addrs))
	for _, addr := range addrs {
		ips = append(ips, addr.IP)
	}
	return ips, nil
}
