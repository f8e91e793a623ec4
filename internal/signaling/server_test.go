package signaling

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sebas/gbnvr/internal/catalog"
	"github.com/sebas/gbnvr/internal/config"
)

const serverDeviceID = "34020000001110000001"

func testServerConfig() *config.Config {
	return &config.Config{
		Device: config.DeviceConfig{
			ID:           serverDeviceID,
			Name:         "Virtual NVR",
			Manufacturer: "gbnvr",
			Model:        "virtual-nvr",
			Owner:        "Owner",
			CivilCode:    "3402000000",
			Address:      "Address",
			Firmware:     "1.0",
		},
		SIP: config.SIPConfig{
			Server:    "192.168.1.100",
			Port:      5060,
			Transport: "udp",
			LocalIP:   "192.168.1.50",
			LocalPort: 5061,
		},
	}
}

func testCatalogStore() *catalog.Store {
	cat := catalog.NewStore(0)
	cat.AddStatic(catalog.Channel{
		ID:     serverDeviceID[:17] + "001",
		Name:   "Cam1",
		Handle: "/streams/cam1.mp4",
		Kind:   catalog.SourceFile,
		Status: catalog.StatusOn,
	})
	cat.AddStatic(catalog.Channel{
		ID:     serverDeviceID[:17] + "002",
		Name:   "Cam2",
		Handle: "rtsp://10.0.0.9/live",
		Kind:   catalog.SourceRTSP,
		Status: catalog.StatusOff,
	})
	return cat
}

func TestCatalogItemsDeviceFirst(t *testing.T) {
	s := &Server{cfg: testServerConfig(), catalog: testCatalogStore()}

	items := s.catalogItems()
	require.Len(t, items, 3)

	// The device's own item leads, as the parent of every channel.
	dev := items[0]
	require.Equal(t, serverDeviceID, dev.DeviceID)
	require.Equal(t, "Virtual NVR", dev.Name)
	require.Equal(t, 1, dev.Parental)
	require.Equal(t, serverDeviceID[:10], dev.ParentID)
	require.Equal(t, "ON", dev.Status)

	for _, it := range items[1:] {
		require.Equal(t, 0, it.Parental)
		require.Equal(t, serverDeviceID, it.ParentID)
	}

	// Channels keep the store's insertion order and their own status.
	require.Equal(t, "Cam1", items[1].Name)
	require.Equal(t, "ON", items[1].Status)
	require.Equal(t, "Cam2", items[2].Name)
	require.Equal(t, "OFF", items[2].Status)
}

func TestDeviceInfoChannelCount(t *testing.T) {
	s := &Server{cfg: testServerConfig(), catalog: testCatalogStore()}

	info := s.deviceInfo()
	require.Equal(t, "Virtual NVR", info.DeviceName)
	require.Equal(t, "1.0", info.Firmware)
	require.Equal(t, 2, info.Channel)
}
