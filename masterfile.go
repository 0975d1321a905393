package kdns

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// typesByName and classesByName back LoadMasterFile's line parser. Only the
// handful of types this server ever serves authoritatively are recognized;
// spec.md §6 leaves the master-file format unspecified beyond "the loader
// returns an authority table", so this grammar is a supplemented feature,
// not a core deliverable.
var typesByName = map[string]uint16{
	"A":     TypeA,
	"NS":    TypeNS,
	"CNAME": TypeCNAME,
	"SOA":   TypeSOA,
	"PTR":   TypePTR,
	"MX":    TypeMX,
	"TXT":   TypeTXT,
	"AAAA":  TypeAAAA,
	"SRV":   TypeSRV,
}

var classesByName = map[string]uint16{
	"IN": ClassINET,
}

// LoadMasterFile reads a line-oriented authority file:
//
//	name TYPE CLASS ttl rdata
//
// Blank lines and lines starting with '#' are skipped. rdata is interpreted
// per type: A/AAAA take a dotted/colon IP literal, NS/CNAME/PTR take a
// domain name that is encoded as uncompressed wire labels, and everything
// else (SOA/MX/TXT/SRV) is carried as the raw text bytes of the remainder
// of the line. Any malformed line fails the whole load with an error that
// names the line number.
//
// Grounded on the teacher's blocklistloader-local.go (bufio.Scanner over a
// local file) and static.go (building typed records from plain strings).
func LoadMasterFile(path string) (*AuthorityTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening master file %q", path)
	}
	defer f.Close()
	return parseMasterFile(f)
}

func parseMasterFile(r io.Reader) (*AuthorityTable, error) {
	records := make(map[QuestionKey]ResourceRecord)
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 5 {
			return nil, fmt.Errorf("master file line %d: expected at least 5 fields, got %d", lineNo, len(fields))
		}
		name, typeStr, classStr, ttlStr := fields[0], fields[1], fields[2], fields[3]
		rdataStr := strings.Join(fields[4:], " ")

		rrType, ok := typesByName[strings.ToUpper(typeStr)]
		if !ok {
			return nil, fmt.Errorf("master file line %d: unknown record type %q", lineNo, typeStr)
		}
		rrClass, ok := classesByName[strings.ToUpper(classStr)]
		if !ok {
			return nil, fmt.Errorf("master file line %d: unknown record class %q", lineNo, classStr)
		}
		ttl, err := strconv.ParseUint(ttlStr, 10, 32)
		if err != nil {
			return nil, errors.Wrapf(err, "master file line %d: bad ttl", lineNo)
		}
		rdata, err := encodeMasterFileRData(rrType, rdataStr)
		if err != nil {
			return nil, errors.Wrapf(err, "master file line %d", lineNo)
		}

		rr := ResourceRecord{
			Name:  NormalizeName(fqdn(name)),
			Type:  rrType,
			Class: rrClass,
			TTL:   uint32(ttl),
			RData: rdata,
		}
		key := QuestionKey{Name: rr.Name, Type: rrType, Class: rrClass}
		records[key] = rr
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "reading master file")
	}
	return NewAuthorityTable(records), nil
}

func encodeMasterFileRData(rrType uint16, rdataStr string) ([]byte, error) {
	switch rrType {
	case TypeA:
		ip := net.ParseIP(rdataStr).To4()
		if ip == nil {
			return nil, fmt.Errorf("invalid IPv4 address %q", rdataStr)
		}
		return []byte(ip), nil
	case TypeAAAA:
		ip := net.ParseIP(rdataStr).To16()
		if ip == nil {
			return nil, fmt.Errorf("invalid IPv6 address %q", rdataStr)
		}
		return []byte(ip), nil
	case TypeNS, TypeCNAME, TypePTR:
		return encodeName(rdataStr)
	default:
		return []byte(rdataStr), nil
	}
}
