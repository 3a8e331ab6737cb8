package naming

import (
	"bufio"
	"context"
	"os"
	"strings"

	"go.uber.org/zap"
)

// FileNamingService reads a static server list from a file, one server per
// line:
//
//	# comment
//	10.0.0.1:80
//	10.0.0.2:80 tag
//
// Lines that do not parse are skipped.
type FileNamingService struct {
	Logger *zap.Logger
}

// GetServers reads the file at path. The service argument of NamingService is
// the file path here.
func (f FileNamingService) GetServers(_ context.Context, path string) ([]ServerNode, error) {
	log := f.Logger
	if log == nil {
		log = zap.NewNop()
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	servers := []ServerNode{}
	seen := make(map[ServerNode]struct{})
	sc := bufio.NewScanner(file)
	for lineNo := 1; sc.Scan(); lineNo++ {
		line := strings.TrimSpace(sc.Text())
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}
		if line == "" {
			continue
		}

		fields := strings.Fields(line)
		node, err := ParseAddr(fields[0])
		if err != nil {
			log.Warn("skipping invalid server line",
				zap.String("file", path), zap.Int("line", lineNo), zap.Error(err))
			continue
		}
		if len(fields) > 1 {
			node.Tag = fields[1]
		}
		if _, dup := seen[node]; dup {
			continue
		}
		seen[node] = struct{}{}
		servers = append(servers, node)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return servers, nil
}
