// Package objfile locates DWARF debug sections inside ELF and Mach-O
// containers, with transparent zlib decompression, per §4.1 of the
// specification. It deliberately does not build on debug/elf or debug/macho
// for section discovery: those packages already decompress and normalize
// sections, hiding exactly the raw {offset, size, compression} triple this
// engine's breakpoint/unwind/location machinery needs in order to reason
// about split-DWARF and compressed sections itself.
package objfile

// Compression identifies how a section's raw bytes are encoded on disk.
type Compression int

const (
	CompressionNone Compression = iota
	CompressionZDebug
	CompressionSHF32
	CompressionSHF64
)

// SectionInfo locates one section's raw bytes within the owning image.
// Its lifetime is tied to the Image that produced it; slices returned by
// SectionData alias the image's backing bytes.
type SectionInfo struct {
	Offset      uint64
	Size        uint64
	Compression Compression
}

// sectionSlot enumerates every logical DWARF section this engine recognizes.
// Most are carried only so DebugSections is a complete record of what was
// found in the image; the CFA interpreter, location evaluator and
// breakpoint manager consume DebugInfo/DebugAbbrev/DebugLine indirectly (via
// the external symtab parser) and DebugFrame/EHFrame/DebugLoc/DebugLoclists/
// DebugAddr/DebugStrOffsets directly.
type sectionSlot int

const (
	slotDebugInfo sectionSlot = iota
	slotDebugAbbrev
	slotDebugLine
	slotDebugStr
	slotDebugLineStr
	slotDebugStrOffsets
	slotDebugAddr
	slotDebugRanges
	slotDebugRnglists
	slotDebugLoc
	slotDebugLoclists
	slotDebugAranges
	slotDebugFrame
	slotEHFrame
	slotDebugMacro
	slotDebugNames
	slotDebugTypes
	slotDebugPubnames
	slotDebugPubtypes
	slotCount
)

// sectionNames maps the canonical (unprefixed, unsuffixed) section name to
// its slot. ".eh_frame" has no leading "debug_" by DWARF/ELF convention, so
// it is handled separately in canonicalSectionName.
var sectionNames = map[string]sectionSlot{
	"debug_info":        slotDebugInfo,
	"debug_abbrev":      slotDebugAbbrev,
	"debug_line":        slotDebugLine,
	"debug_str":         slotDebugStr,
	"debug_line_str":    slotDebugLineStr,
	"debug_str_offsets": slotDebugStrOffsets,
	"debug_addr":        slotDebugAddr,
	"debug_ranges":      slotDebugRanges,
	"debug_rnglists":    slotDebugRnglists,
	"debug_loc":         slotDebugLoc,
	"debug_loclists":    slotDebugLoclists,
	"debug_aranges":     slotDebugAranges,
	"debug_frame":       slotDebugFrame,
	"eh_frame":          slotEHFrame,
	"debug_macro":       slotDebugMacro,
	"debug_names":       slotDebugNames,
	"debug_types":       slotDebugTypes,
	"debug_pubnames":    slotDebugPubnames,
	"debug_pubtypes":    slotDebugPubtypes,
}

// DebugSections holds the SectionInfo discovered for every recognized DWARF
// section. At most one entry is populated per logical section: ".zdebug_*"
// names override an uncompressed entry of the same logical section (setting
// Compression = CompressionZDebug), and "*.dwo" suffixed names map to the
// same logical slot as their unsuffixed counterpart.
type DebugSections struct {
	slots [slotCount]*SectionInfo
}

func (d *DebugSections) set(slot sectionSlot, info SectionInfo) {
	v := info
	d.slots[slot] = &v
}

func (d *DebugSections) get(slot sectionSlot) *SectionInfo {
	return d.slots[slot]
}

func (d *DebugSections) DebugInfo() *SectionInfo        { return d.get(slotDebugInfo) }
func (d *DebugSections) DebugAbbrev() *SectionInfo      { return d.get(slotDebugAbbrev) }
func (d *DebugSections) DebugLine() *SectionInfo        { return d.get(slotDebugLine) }
func (d *DebugSections) DebugStr() *SectionInfo         { return d.get(slotDebugStr) }
func (d *DebugSections) DebugLineStr() *SectionInfo     { return d.get(slotDebugLineStr) }
func (d *DebugSections) DebugStrOffsets() *SectionInfo  { return d.get(slotDebugStrOffsets) }
func (d *DebugSections) DebugAddr() *SectionInfo        { return d.get(slotDebugAddr) }
func (d *DebugSections) DebugRanges() *SectionInfo      { return d.get(slotDebugRanges) }
func (d *DebugSections) DebugRnglists() *SectionInfo    { return d.get(slotDebugRnglists) }
func (d *DebugSections) DebugLoc() *SectionInfo         { return d.get(slotDebugLoc) }
func (d *DebugSections) DebugLoclists() *SectionInfo    { return d.get(slotDebugLoclists) }
func (d *DebugSections) DebugAranges() *SectionInfo     { return d.get(slotDebugAranges) }
func (d *DebugSections) DebugFrame() *SectionInfo       { return d.get(slotDebugFrame) }
func (d *DebugSections) EHFrame() *SectionInfo          { return d.get(slotEHFrame) }
func (d *DebugSections) DebugMacro() *SectionInfo       { return d.get(slotDebugMacro) }
func (d *DebugSections) DebugNames() *SectionInfo       { return d.get(slotDebugNames) }
func (d *DebugSections) DebugTypes() *SectionInfo       { return d.get(slotDebugTypes) }
func (d *DebugSections) DebugPubnames() *SectionInfo    { return d.get(slotDebugPubnames) }
func (d *DebugSections) DebugPubtypes() *SectionInfo    { return d.get(slotDebugPubtypes) }

// canonicalSectionName strips a leading "." or "__" (Mach-O), a ".zdebug_"
// compression prefix, and a trailing ".dwo" split-DWARF suffix, returning the
// bare logical name plus whether the name indicated zdebug compression.
func canonicalSectionName(name string) (canonical string, zdebug bool) {
	switch {
	case len(name) > 0 && name[0] == '.':
		name = name[1:]
	case len(name) > 1 && name[0] == '_' && name[1] == '_':
		name = name[2:]
	}

	const dwoSuffix = ".dwo"
	if len(name) > len(dwoSuffix) && name[len(name)-len(dwoSuffix):] == dwoSuffix {
		name = name[:len(name)-len(dwoSuffix)]
	}

	const zdebugPrefix = "zdebug_"
	if len(name) > len(zdebugPrefix) && name[:len(zdebugPrefix)] == zdebugPrefix {
		return "debug_" + name[len(zdebugPrefix):], true
	}

	return name, false
}

// recordSection populates the DebugSections slot for name, if recognized.
func (d *DebugSections) recordSection(name string, info SectionInfo) {
	canonical, zdebug := canonicalSectionName(name)
	slot, ok := sectionNames[canonical]
	if !ok {
		return
	}
	if zdebug {
		info.Compression = CompressionZDebug
	} else if existing := d.get(slot); existing != nil && existing.Compression == CompressionZDebug {
		return
	}
	d.set(slot, info)
}
