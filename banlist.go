package p2p

import "net"

// BanListVersion defines the version of the ban list file format
const BanListVersion = 1

type banListFile struct {
	Version int                `json:"version"`
	Bans    []BannedPeerRecord `json:"bans"`
}

// LoadBanList reads a ban list file. A missing file or a version mismatch yields an empty list.
func LoadBanList(path string) ([]BannedPeerRecord, error) {
	var file banListFile

	found, err := readJSONFile(path, &file)
	if err != nil || !found {
		return nil, err
	}

	if file.Version != BanListVersion {
		return nil, nil
	}

	return file.Bans, nil
}

// SaveBanList writes bans to path through a temp file and rename.
func SaveBanList(path string, bans []BannedPeerRecord) error {
	if bans == nil {
		bans = []BannedPeerRecord{}
	}

	return writeJSONFile(path, banListFile{Version: BanListVersion, Bans: bans})
}

// restore puts previously saved bans back, skipping expired or unparsable entries
func (cg *ConnectionGater) restore(records []BannedPeerRecord) int {
	cg.mu.Lock()
	defer cg.mu.Unlock()

	now := cg.now()
	restored := 0

	for _, rec := range records {
		if !now.Before(rec.BanUntil) {
			continue
		}

		_, subnet, err := net.ParseCIDR(rec.Address)
		if err != nil {
			cg.logger.Warnf("[ConnectionGater] skipping invalid ban entry %q: %v", rec.Address, err)
			continue
		}

		cg.bans[subnet.String()] = banEntry{
			subnet:    subnet,
			banUntil:  rec.BanUntil,
			createdAt: rec.CreatedAt,
			reason:    rec.Reason,
		}
		restored++
	}

	return restored
}
