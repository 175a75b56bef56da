package manifest

import (
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"strings"
)

const androidNamespace = "http://schemas.android.com/apk/res/android"

type xmlManifest struct {
	Package     string          `xml:"package,attr"`
	UsesSDK     []xmlElement    `xml:"uses-sdk"`
	Permissions []xmlElement    `xml:"uses-permission"`
	Application *xmlApplication `xml:"application"`
}

type xmlApplication struct {
	Attrs    []xml.Attr   `xml:",any,attr"`
	Services []xmlElement `xml:"service"`
	MetaData []xmlElement `xml:"meta-data"`
}

type xmlElement struct {
	Attrs []xml.Attr `xml:",any,attr"`
}

// ParseXML reads a plain-text AndroidManifest.xml. Attributes that do not
// parse as the expected type are treated as absent.
func ParseXML(r io.Reader) (*Manifest, error) {
	d, err := ParseXMLDecoded(r)
	if err != nil {
		return nil, err
	}
	return FromDecoded(d), nil
}

// ParseXMLDecoded maps a plain-text manifest onto the decoder shape.
func ParseXMLDecoded(r io.Reader) (*Decoded, error) {
	var doc xmlManifest
	dec := xml.NewDecoder(r)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("invalid manifest xml: %w", err)
	}

	d := &Decoded{Package: doc.Package}
	for _, sdk := range doc.UsesSDK {
		if v, ok := androidAttr(sdk.Attrs, "targetSdkVersion"); ok {
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
				d.UsesSDK = &DecodedSDK{TargetSDKVersion: &n}
			}
		}
	}
	for _, perm := range doc.Permissions {
		if name, ok := androidAttr(perm.Attrs, "name"); ok && name != "" {
			d.UsesPermissions = append(d.UsesPermissions, DecodedPermission{Name: name})
		}
	}
	if app := doc.Application; app != nil {
		d.Application = &DecodedApplication{
			Debuggable: boolAttr(app.Attrs, "debuggable"),
		}
		for _, svc := range app.Services {
			d.Application.Services = append(d.Application.Services, DecodedService{
				Name:       stringAttr(svc.Attrs, "name"),
				Exported:   boolAttr(svc.Attrs, "exported"),
				Permission: stringAttr(svc.Attrs, "permission"),
			})
		}
		for _, md := range app.MetaData {
			d.Application.MetaData = append(d.Application.MetaData, DecodedMetaData{
				Name:  stringAttr(md.Attrs, "name"),
				Value: stringAttr(md.Attrs, "value"),
			})
		}
	}
	return d, nil
}

// androidAttr matches android:<local> whether or not the document declared
// the android namespace.
func androidAttr(attrs []xml.Attr, local string) (string, bool) {
	for _, a := range attrs {
		if a.Name.Local != local {
			continue
		}
		if a.Name.Space == androidNamespace || a.Name.Space == "android" {
			return a.Value, true
		}
	}
	return "", false
}

func stringAttr(attrs []xml.Attr, local string) *string {
	v, ok := androidAttr(attrs, local)
	if !ok {
		return nil
	}
	return &v
}

func boolAttr(attrs []xml.Attr, local string) *bool {
	v, ok := androidAttr(attrs, local)
	if !ok {
		return nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return nil
	}
	return &b
}
