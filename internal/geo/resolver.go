package geo

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/neophob/fw-honeypot/internal/shared/logger"
)

const (
	Unknown          = "Unknown"
	DefaultCacheSize = 4096
)

type network struct {
	prefix  netip.Prefix
	country string
}

// Resolver 把源地址映射到国家代码。数据来自一个 "cidr,country" CSV 表,
// 查询结果缓存在 LRU 中。没有表时总是返回 Unknown。
type Resolver struct {
	networks []network // 按前缀长度降序, 最长前缀优先
	cache    *lru.Cache[string, string]
}

// New creates a resolver over the given table lines. cacheSize <= 0 selects the default.
func New(r io.Reader, cacheSize int) (*Resolver, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New[string, string](cacheSize)
	if err != nil {
		return nil, err
	}
	res := &Resolver{cache: cache}
	if r == nil {
		return res, nil
	}

	cr := csv.NewReader(r)
	cr.Comment = '#'
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	line := 0
	for {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("geo table line %d: %w", line, err)
		}
		if len(record) < 2 {
			return nil, fmt.Errorf("geo table line %d: expected cidr,country", line)
		}
		prefix, err := netip.ParsePrefix(strings.TrimSpace(record[0]))
		if err != nil {
			// 允许写单个地址
			addr, aerr := netip.ParseAddr(strings.TrimSpace(record[0]))
			if aerr != nil {
				return nil, fmt.Errorf("geo table line %d: %w", line, err)
			}
			prefix = netip.PrefixFrom(addr, addr.BitLen())
		}
		country := strings.ToUpper(strings.TrimSpace(record[1]))
		if country == "" {
			country = Unknown
		}
		res.networks = append(res.networks, network{prefix: prefix.Masked(), country: country})
	}
	sort.SliceStable(res.networks, func(i, j int) bool {
		return res.networks[i].prefix.Bits() > res.networks[j].prefix.Bits()
	})
	return res, nil
}

// Load 从文件加载表。path 为空或文件不存在时返回一个空的 resolver。
func Load(path string, cacheSize int) (*Resolver, error) {
	if path == "" {
		return New(nil, cacheSize)
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Warn().Str("file", path).Msg("Geo table not found, country lookups disabled.")
			return New(nil, cacheSize)
		}
		return nil, fmt.Errorf("failed to open geo table: %w", err)
	}
	defer f.Close()

	res, err := New(f, cacheSize)
	if err != nil {
		return nil, err
	}
	logger.Info().Str("file", path).Int("networks", res.Len()).Msg("Geo table loaded.")
	return res, nil
}

// Len returns the number of networks in the table.
func (r *Resolver) Len() int {
	return len(r.networks)
}

// Country implements tracker.CountryResolver.
func (r *Resolver) Country(ip string) string {
	if country, ok := r.cache.Get(ip); ok {
		return country
	}
	country := r.lookup(ip)
	r.cache.Add(ip, country)
	return country
}

func (r *Resolver) lookup(ip string) string {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return Unknown
	}
	addr = addr.Unmap()
	for _, n := range r.networks {
		if n.prefix.Contains(addr) {
			return n.country
		}
	}
	return Unknown
}
