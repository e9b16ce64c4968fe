// Пакет netguard — защита исходящих запросов от SSRF.
//
// Guard пропускает только http/https URL, чьё имя хоста разрешается
// исключительно в публичные адреса. Используется при скачивании образов,
// при проверке обновлений и на каждом шаге перенаправления.
package netguard

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
)

// ErrUnsafeURL — URL отклонён: схема, разрешение имени или адрес назначения.
var ErrUnsafeURL = errors.New("небезопасный URL")

// blockedPrefixes — сети, куда исходящие запросы запрещены.
var blockedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("fc00::/7"),
}

// Resolver — разрешение имён. Реализуется *net.Resolver.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Guard проверяет URL перед исходящим запросом.
type Guard struct {
	resolver Resolver
}

// New создаёт Guard. nil resolver — net.DefaultResolver.
func New(resolver Resolver) *Guard {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return &Guard{resolver: resolver}
}

// Validate проверяет схему URL и все адреса, в которые разрешается хост.
// Блокирующая операция: выполняет DNS-запрос.
func (g *Guard) Validate(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: не удалось разобрать URL: %v", ErrUnsafeURL, err)
	}
	return g.ValidateURL(ctx, u)
}

// ValidateURL — то же, что Validate, для уже разобранного URL.
func (g *Guard) ValidateURL(ctx context.Context, u *url.URL) error {
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("%w: разрешены только http и https, получено %q", ErrUnsafeURL, u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("%w: в URL нет имени хоста", ErrUnsafeURL)
	}

	addrs, err := g.resolve(ctx, host)
	if err != nil {
		return fmt.Errorf("%w: не удалось разрешить имя %s: %v", ErrUnsafeURL, host, err)
	}
	if len(addrs) == 0 {
		return fmt.Errorf("%w: имя %s не разрешается ни в один адрес", ErrUnsafeURL, host)
	}

	for _, addr := range addrs {
		if Blocked(addr) {
			return fmt.Errorf("%w: %s разрешается в закрытый адрес %s", ErrUnsafeURL, host, addr)
		}
	}
	return nil
}

// resolve возвращает адреса хоста; IP-литерал возвращается как есть.
func (g *Guard) resolve(ctx context.Context, host string) ([]netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{addr}, nil
	}

	ipAddrs, err := g.resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}

	result := make([]netip.Addr, 0, len(ipAddrs))
	for _, ia := range ipAddrs {
		addr, ok := netip.AddrFromSlice(ia.IP)
		if !ok {
			continue
		}
		result = append(result, addr)
	}
	return result, nil
}

// Blocked сообщает, попадает ли адрес в запрещённые сети.
// IPv4-mapped IPv6 (::ffff:10.0.0.1) проверяется как IPv4.
func Blocked(addr netip.Addr) bool {
	addr = addr.Unmap().WithZone("")
	for _, p := range blockedPrefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// DialFilter отклоняет соединение с запрещённым адресом. Подключается
// к fetcher.Options.DialFilter.
func DialFilter(addr netip.Addr) error {
	if Blocked(addr) {
		return fmt.Errorf("%w: соединение с закрытым адресом %s", ErrUnsafeURL, addr)
	}
	return nil
}
