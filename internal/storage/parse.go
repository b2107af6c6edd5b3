package storage

import (
	"bufio"
	"encoding/xml"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

type Volume struct {
	Name       string   `json:"name"`
	Type       string   `json:"type"`
	Status     string   `json:"status"`
	BrickCount int      `json:"brick_count"`
	Bricks     []string `json:"bricks"`
}

// Started reports whether the volume is serving data.
func (v Volume) Started() bool { return v.Status == "Started" }

type Peer struct {
	UUID      string `json:"uuid"`
	Hostname  string `json:"hostname"`
	Connected bool   `json:"connected"`
	State     string `json:"state"`
}

const (
	HealPending    = "pending_heal"
	HealSplitBrain = "split-brain"
)

type HealEntry struct {
	File  string `json:"file"`
	Brick string `json:"brick"`
	Type  string `json:"type"`
}

type HealInfo struct {
	Pending    int         `json:"entries_in_heal"`
	SplitBrain int         `json:"split_brain_files"`
	Entries    []HealEntry `json:"heal_entries"`
}

type cliOutput struct {
	OpRet    int    `xml:"opRet"`
	OpErrstr string `xml:"opErrstr"`
	Volumes  []struct {
		Name       string `xml:"name"`
		TypeStr    string `xml:"typeStr"`
		StatusStr  string `xml:"statusStr"`
		BrickCount int    `xml:"brickCount"`
		Bricks     []struct {
			Name string `xml:"name"`
		} `xml:"bricks>brick"`
	} `xml:"volInfo>volumes>volume"`
	Peers []struct {
		UUID      string `xml:"uuid"`
		Hostname  string `xml:"hostname"`
		Connected string `xml:"connected"`
		StateStr  string `xml:"stateStr"`
	} `xml:"peerStatus>peer"`
}

func decodeCLI(out []byte) (cliOutput, error) {
	var doc cliOutput
	if err := xml.Unmarshal(out, &doc); err != nil {
		return doc, fmt.Errorf("failed to parse gluster xml: %w", err)
	}
	if doc.OpRet != 0 {
		return doc, fmt.Errorf("gluster returned %d: %s", doc.OpRet, doc.OpErrstr)
	}
	return doc, nil
}

// ParseVolumeInfo reads the output of `gluster volume info --xml`.
func ParseVolumeInfo(out []byte) ([]Volume, error) {
	doc, err := decodeCLI(out)
	if err != nil {
		return nil, err
	}
	volumes := make([]Volume, 0, len(doc.Volumes))
	for _, v := range doc.Volumes {
		vol := Volume{Name: v.Name, Type: v.TypeStr, Status: v.StatusStr, BrickCount: v.BrickCount, Bricks: []string{}}
		for _, b := range v.Bricks {
			vol.Bricks = append(vol.Bricks, strings.TrimSpace(b.Name))
		}
		volumes = append(volumes, vol)
	}
	return volumes, nil
}

// ParsePeerStatus reads the output of `gluster peer status --xml`.
func ParsePeerStatus(out []byte) ([]Peer, error) {
	doc, err := decodeCLI(out)
	if err != nil {
		return nil, err
	}
	peers := make([]Peer, 0, len(doc.Peers))
	for _, p := range doc.Peers {
		peers = append(peers, Peer{
			UUID:      p.UUID,
			Hostname:  p.Hostname,
			Connected: strings.TrimSpace(p.Connected) == "1",
			State:     p.StateStr,
		})
	}
	return peers, nil
}

var entriesRe = regexp.MustCompile(`\d+`)

// ParseHealInfo reads the text output of `gluster volume heal <vol> info`.
// Every non-empty line under a brick other than its status and entry count
// is an entry; lines mentioning split-brain are counted separately.
func ParseHealInfo(out []byte) HealInfo {
	info := HealInfo{Entries: []HealEntry{}}
	brick := ""

	scanner := bufio.NewScanner(strings.NewReader(string(out)))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
		case strings.HasPrefix(line, "Brick "):
			brick = strings.TrimPrefix(line, "Brick ")
		case strings.HasPrefix(line, "Number of entries:"):
			if n, err := strconv.Atoi(entriesRe.FindString(line)); err == nil {
				info.Pending += n
			}
		case strings.Contains(strings.ToLower(line), "split-brain"):
			info.SplitBrain++
			info.Entries = append(info.Entries, HealEntry{File: line, Brick: brick, Type: HealSplitBrain})
		case brick != "" && !strings.HasPrefix(line, "Status:"):
			info.Entries = append(info.Entries, HealEntry{File: line, Brick: brick, Type: HealPending})
		}
	}
	return info
}
