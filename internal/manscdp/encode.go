package manscdp

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strconv"
)

// xmlHeader declares GB2312 for platform compatibility. Field contents
// are kept ASCII so the bytes are identical across encodings.
const xmlHeader = `<?xml version="1.0" encoding="GB2312"?>` + "\n"

// writeEl emits <name>escaped(value)</name>. Element names must match
// the GB28181 schema exactly; shortened tags are rejected by platforms.
func writeEl(buf *bytes.Buffer, name, value string) {
	buf.WriteByte('<')
	buf.WriteString(name)
	buf.WriteByte('>')
	_ = xml.EscapeText(buf, []byte(value))
	buf.WriteString("</")
	buf.WriteString(name)
	buf.WriteString(">\n")
}

func writeIntEl(buf *bytes.Buffer, name string, value int) {
	writeEl(buf, name, strconv.Itoa(value))
}

// responsePreamble writes the mandatory leading elements in their exact
// order. <Result>OK</Result> is not optional: omitting it is a known
// source of platform incompatibility.
func responsePreamble(buf *bytes.Buffer, cmdType string, sn int, deviceID string) {
	buf.WriteString(xmlHeader)
	buf.WriteString("<Response>\n")
	writeEl(buf, "CmdType", cmdType)
	writeIntEl(buf, "SN", sn)
	writeEl(buf, "DeviceID", deviceID)
	writeEl(buf, "Result", "OK")
}

func writeItem(buf *bytes.Buffer, it Item) {
	buf.WriteString("<Item>\n")
	writeEl(buf, "DeviceID", it.DeviceID)
	writeEl(buf, "Name", it.Name)
	writeEl(buf, "Manufacturer", it.Manufacturer)
	writeEl(buf, "Model", it.Model)
	writeEl(buf, "Owner", it.Owner)
	writeEl(buf, "CivilCode", it.CivilCode)
	writeEl(buf, "Block", it.Block)
	writeEl(buf, "Address", it.Address)
	writeIntEl(buf, "Parental", it.Parental)
	writeEl(buf, "ParentID", it.ParentID)
	writeIntEl(buf, "SafetyWay", it.SafetyWay)
	writeIntEl(buf, "RegisterWay", it.RegisterWay)
	writeIntEl(buf, "Secrecy", it.Secrecy)
	writeEl(buf, "Status", it.Status)
	buf.WriteString("</Item>\n")
}

// EncodeCatalogResponse renders one self-consistent Catalog document:
// SumNum, the DeviceList Num attribute and the item count all agree.
func EncodeCatalogResponse(deviceID string, sn int, items []Item) []byte {
	var buf bytes.Buffer
	responsePreamble(&buf, CmdCatalog, sn, deviceID)
	writeIntEl(&buf, "SumNum", len(items))
	fmt.Fprintf(&buf, "<DeviceList Num=\"%d\">\n", len(items))
	for _, it := range items {
		writeItem(&buf, it)
	}
	buf.WriteString("</DeviceList>\n")
	buf.WriteString("</Response>\n")
	return buf.Bytes()
}

// EncodeCatalogPages splits the catalog into documents that each fit
// the per-datagram budget. Every fragment is self-consistent with its
// own SumNum and Num. A single item never splits; an oversized item
// yields a page of its own.
func EncodeCatalogPages(deviceID string, sn int, items []Item, budget int) [][]byte {
	if len(items) == 0 {
		return [][]byte{EncodeCatalogResponse(deviceID, sn, nil)}
	}

	whole := EncodeCatalogResponse(deviceID, sn, items)
	if budget <= 0 || len(whole) <= budget {
		return [][]byte{whole}
	}

	var pages [][]byte
	var page []Item
	for _, it := range items {
		candidate := append(append([]Item{}, page...), it)
		if len(page) > 0 && len(EncodeCatalogResponse(deviceID, sn, candidate)) > budget {
			pages = append(pages, EncodeCatalogResponse(deviceID, sn, page))
			page = []Item{it}
			continue
		}
		page = candidate
	}
	if len(page) > 0 {
		pages = append(pages, EncodeCatalogResponse(deviceID, sn, page))
	}
	return pages
}

// EncodeDeviceInfoResponse renders a DeviceInfo response.
func EncodeDeviceInfoResponse(deviceID string, sn int, info DeviceInfo) []byte {
	var buf bytes.Buffer
	responsePreamble(&buf, CmdDeviceInfo, sn, deviceID)
	writeEl(&buf, "DeviceName", info.DeviceName)
	writeEl(&buf, "Manufacturer", info.Manufacturer)
	writeEl(&buf, "Model", info.Model)
	writeEl(&buf, "Firmware", info.Firmware)
	writeIntEl(&buf, "Channel", info.Channel)
	buf.WriteString("</Response>\n")
	return buf.Bytes()
}

// EncodeDeviceStatusResponse renders a DeviceStatus response.
func EncodeDeviceStatusResponse(deviceID string, sn int, st DeviceStatus) []byte {
	var buf bytes.Buffer
	responsePreamble(&buf, CmdDeviceStatus, sn, deviceID)
	writeEl(&buf, "Online", st.Online)
	writeEl(&buf, "Status", st.Status)
	writeEl(&buf, "Encode", st.Encode)
	writeEl(&buf, "Record", st.Record)
	buf.WriteString("</Response>\n")
	return buf.Bytes()
}

func encodeRecordInfoPage(deviceID string, sn int, name string, sumNum int, items []RecordItem) []byte {
	var buf bytes.Buffer
	responsePreamble(&buf, CmdRecordInfo, sn, deviceID)
	writeEl(&buf, "Name", name)
	writeIntEl(&buf, "SumNum", sumNum)
	fmt.Fprintf(&buf, "<RecordList Num=\"%d\">\n", len(items))
	for _, it := range items {
		buf.WriteString("<Item>\n")
		writeEl(&buf, "DeviceID", it.DeviceID)
		writeEl(&buf, "Name", it.Name)
		writeEl(&buf, "FilePath", it.FilePath)
		writeEl(&buf, "Address", it.Address)
		writeEl(&buf, "StartTime", it.StartTime)
		writeEl(&buf, "EndTime", it.EndTime)
		writeIntEl(&buf, "Secrecy", it.Secrecy)
		writeEl(&buf, "Type", it.Type)
		if it.FileSize > 0 {
			writeEl(&buf, "FileSize", strconv.FormatInt(it.FileSize, 10))
		}
		buf.WriteString("</Item>\n")
	}
	buf.WriteString("</RecordList>\n")
	buf.WriteString("</Response>\n")
	return buf.Bytes()
}

// EncodeRecordInfoPages renders a RecordInfo response, paginated when
// over the budget. SumNum always carries the total across all pages;
// clients reassemble by matching SN.
func EncodeRecordInfoPages(deviceID string, sn int, name string, items []RecordItem, budget int) [][]byte {
	total := len(items)
	whole := encodeRecordInfoPage(deviceID, sn, name, total, items)
	if budget <= 0 || len(whole) <= budget || total == 0 {
		return [][]byte{whole}
	}

	var pages [][]byte
	var page []RecordItem
	for _, it := range items {
		candidate := append(append([]RecordItem{}, page...), it)
		if len(page) > 0 && len(encodeRecordInfoPage(deviceID, sn, name, total, candidate)) > budget {
			pages = append(pages, encodeRecordInfoPage(deviceID, sn, name, total, page))
			page = []RecordItem{it}
			continue
		}
		page = candidate
	}
	if len(page) > 0 {
		pages = append(pages, encodeRecordInfoPage(deviceID, sn, name, total, page))
	}
	return pages
}

// EncodeKeepaliveNotify renders the periodic Keepalive body.
func EncodeKeepaliveNotify(deviceID string, sn int) []byte {
	var buf bytes.Buffer
	buf.WriteString(xmlHeader)
	buf.WriteString("<Notify>\n")
	writeEl(&buf, "CmdType", CmdKeepalive)
	writeIntEl(&buf, "SN", sn)
	writeEl(&buf, "DeviceID", deviceID)
	writeEl(&buf, "Status", "OK")
	buf.WriteString("</Notify>\n")
	return buf.Bytes()
}

// EncodeCatalogNotifyPages renders catalog fragments as Notify
// documents for SUBSCRIBE/NOTIFY push. Same pagination contract as
// EncodeCatalogPages.
func EncodeCatalogNotifyPages(deviceID string, sn int, items []Item, budget int) [][]byte {
	render := func(subset []Item) []byte {
		var buf bytes.Buffer
		buf.WriteString(xmlHeader)
		buf.WriteString("<Notify>\n")
		writeEl(&buf, "CmdType", CmdCatalog)
		writeIntEl(&buf, "SN", sn)
		writeEl(&buf, "DeviceID", deviceID)
		writeIntEl(&buf, "SumNum", len(subset))
		fmt.Fprintf(&buf, "<DeviceList Num=\"%d\">\n", len(subset))
		for _, it := range subset {
			writeItem(&buf, it)
		}
		buf.WriteString("</DeviceList>\n")
		buf.WriteString("</Notify>\n")
		return buf.Bytes()
	}

	whole := render(items)
	if budget <= 0 || len(whole) <= budget || len(items) == 0 {
		return [][]byte{whole}
	}

	var pages [][]byte
	var page []Item
	for _, it := range items {
		candidate := append(append([]Item{}, page...), it)
		if len(page) > 0 && len(render(candidate)) > budget {
			pages = append(pages, render(page))
			page = []Item{it}
			continue
		}
		page = candidate
	}
	if len(page) > 0 {
		pages = append(pages, render(page))
	}
	return pages
}

// EncodeControlResponse acknowledges a Control command without acting
// on it.
func EncodeControlResponse(deviceID string, sn int, cmdType string) []byte {
	var buf bytes.Buffer
	responsePreamble(&buf, cmdType, sn, deviceID)
	buf.WriteString("</Response>\n")
	return buf.Bytes()
}
