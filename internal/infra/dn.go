package infra

import (
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"net/url"
	"strings"
)

var (
	oidSurname                = asn1.ObjectIdentifier{2, 5, 4, 4}
	oidTitle                  = asn1.ObjectIdentifier{2, 5, 4, 12}
	oidGivenName              = asn1.ObjectIdentifier{2, 5, 4, 42}
	oidPseudonym              = asn1.ObjectIdentifier{2, 5, 4, 65}
	oidOrganizationIdentifier = asn1.ObjectIdentifier{2, 5, 4, 97}
	oidEmailAddress           = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 1}
)

// ParseDN は "CN=Alice,O=Example" 形式の識別名をpkix.Nameに変換する。
// 値に含まれるカンマはバックスラッシュでエスケープする。
func ParseDN(dn string) (pkix.Name, error) {
	var name pkix.Name
	for _, rdn := range splitEscaped(dn, ',') {
		rdn = strings.TrimSpace(rdn)
		if rdn == "" {
			continue
		}
		attr, value, ok := strings.Cut(rdn, "=")
		if !ok {
			return pkix.Name{}, fmt.Errorf("invalid RDN %q in %q", rdn, dn)
		}
		value = unescapeDN(strings.TrimSpace(value))

		switch strings.ToUpper(strings.TrimSpace(attr)) {
		case "CN":
			name.CommonName = value
		case "O":
			name.Organization = append(name.Organization, value)
		case "OU":
			name.OrganizationalUnit = append(name.OrganizationalUnit, value)
		case "C":
			name.Country = append(name.Country, value)
		case "L":
			name.Locality = append(name.Locality, value)
		case "ST":
			name.Province = append(name.Province, value)
		case "STREET":
			name.StreetAddress = append(name.StreetAddress, value)
		case "POSTALCODE":
			name.PostalCode = append(name.PostalCode, value)
		case "SERIALNUMBER":
			name.SerialNumber = value
		case "SN", "SURNAME":
			name.ExtraNames = append(name.ExtraNames, pkix.AttributeTypeAndValue{Type: oidSurname, Value: value})
		case "G", "GIVENNAME":
			name.ExtraNames = append(name.ExtraNames, pkix.AttributeTypeAndValue{Type: oidGivenName, Value: value})
		case "T", "TITLE":
			name.ExtraNames = append(name.ExtraNames, pkix.AttributeTypeAndValue{Type: oidTitle, Value: value})
		case "PSEUDONYM":
			name.ExtraNames = append(name.ExtraNames, pkix.AttributeTypeAndValue{Type: oidPseudonym, Value: value})
		case "ORGANIZATIONIDENTIFIER":
			name.ExtraNames = append(name.ExtraNames, pkix.AttributeTypeAndValue{Type: oidOrganizationIdentifier, Value: value})
		case "E", "EMAILADDRESS":
			name.ExtraNames = append(name.ExtraNames, pkix.AttributeTypeAndValue{Type: oidEmailAddress, Value: value})
		default:
			return pkix.Name{}, fmt.Errorf("unsupported DN attribute %q", attr)
		}
	}
	return name, nil
}

// SubjectAltNames は証明書に載せる主体者別名を表す。
type SubjectAltNames struct {
	EmailAddresses []string
	DNSNames       []string
	URIs           []*url.URL
}

// ParseSubjectAltName は "rfc822Name=a@example.com,dNSName=example.com" 形式の別名を解析する。
func ParseSubjectAltName(san string) (SubjectAltNames, error) {
	var names SubjectAltNames
	for _, entry := range splitEscaped(san, ',') {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		kind, value, ok := strings.Cut(entry, "=")
		if !ok {
			return SubjectAltNames{}, fmt.Errorf("invalid subject alternative name %q", entry)
		}
		value = unescapeDN(strings.TrimSpace(value))

		switch strings.ToLower(strings.TrimSpace(kind)) {
		case "rfc822name", "email":
			names.EmailAddresses = append(names.EmailAddresses, value)
		case "dnsname", "dns":
			names.DNSNames = append(names.DNSNames, value)
		case "uniformresourceidentifier", "uri":
			u, err := url.Parse(value)
			if err != nil {
				return SubjectAltNames{}, fmt.Errorf("invalid URI %q: %w", value, err)
			}
			names.URIs = append(names.URIs, u)
		default:
			return SubjectAltNames{}, fmt.Errorf("unsupported subject alternative name type %q", kind)
		}
	}
	return names, nil
}

func splitEscaped(s string, sep byte) []string {
	var parts []string
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '\\' && i+1 < len(s) {
			b.WriteByte(c)
			b.WriteByte(s[i+1])
			i++
			continue
		}
		if c == sep {
			parts = append(parts, b.String())
			b.Reset()
			continue
		}
		b.WriteByte(c)
	}
	return append(parts, b.String())
}

func unescapeDN(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			i++
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
