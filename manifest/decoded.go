package manifest

import (
	"bytes"
	"fmt"
	"strings"

	"sigs.k8s.io/yaml"
)

// Decoded mirrors the loosely-typed document produced by common APK manifest
// readers. Every field is optional.
type Decoded struct {
	Package         string              `json:"package"`
	UsesSDK         *DecodedSDK         `json:"usesSdk,omitempty"`
	UsesPermissions []DecodedPermission `json:"usesPermissions,omitempty"`
	Application     *DecodedApplication `json:"application,omitempty"`
}

type DecodedSDK struct {
	TargetSDKVersion *int `json:"targetSdkVersion,omitempty"`
	MinSDKVersion    *int `json:"minSdkVersion,omitempty"`
}

type DecodedPermission struct {
	Name string `json:"name"`
}

type DecodedApplication struct {
	Debuggable *bool             `json:"debuggable,omitempty"`
	Services   []DecodedService  `json:"services,omitempty"`
	MetaData   []DecodedMetaData `json:"metaData,omitempty"`
}

type DecodedService struct {
	Name       *string `json:"name,omitempty"`
	Exported   *bool   `json:"exported,omitempty"`
	Permission *string `json:"permission,omitempty"`
}

type DecodedMetaData struct {
	Name  *string `json:"name,omitempty"`
	Value *string `json:"value,omitempty"`
}

// FromDecoded normalizes decoder output. Missing sections become empty
// values; nothing in here fails.
func FromDecoded(d *Decoded) *Manifest {
	m := &Manifest{
		Permissions: []string{},
		Metadata:    []MetadataEntry{},
		Services:    []Service{},
	}
	if d == nil {
		return m
	}
	m.PackageName = strings.TrimSpace(d.Package)
	if d.UsesSDK != nil && d.UsesSDK.TargetSDKVersion != nil && *d.UsesSDK.TargetSDKVersion > 0 {
		m.TargetSDKVersion = *d.UsesSDK.TargetSDKVersion
	}
	for _, p := range d.UsesPermissions {
		if p.Name == "" {
			continue
		}
		m.Permissions = append(m.Permissions, p.Name)
	}
	if app := d.Application; app != nil {
		if app.Debuggable != nil {
			v := *app.Debuggable
			m.Debuggable = &v
		}
		for _, svc := range app.Services {
			m.Services = append(m.Services, Service{
				Name:       cloneString(svc.Name),
				Exported:   cloneBool(svc.Exported),
				Permission: cloneString(svc.Permission),
			})
		}
		for _, md := range app.MetaData {
			m.Metadata = append(m.Metadata, MetadataEntry{
				Name:  cloneString(md.Name),
				Value: cloneString(md.Value),
			})
		}
	}
	m.UsesBillingPermission = hasPermission(m.Permissions, BillingPermission)
	return m
}

// Parse decodes a JSON or YAML manifest dump.
func Parse(data []byte) (*Manifest, error) {
	d, err := ParseDecoded(data)
	if err != nil {
		return nil, err
	}
	return FromDecoded(d), nil
}

// ParseDecoded decodes a JSON or YAML manifest dump without normalizing it.
func ParseDecoded(data []byte) (*Decoded, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("empty manifest document")
	}
	var d Decoded
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("invalid manifest document: %w", err)
	}
	return &d, nil
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneBool(b *bool) *bool {
	if b == nil {
		return nil
	}
	v := *b
	return &v
}
