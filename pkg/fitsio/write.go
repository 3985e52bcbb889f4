package fitsio

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"math"
	"os"

	"ringfit/internal/models"
)

const cardsPerBlock = 36
const blockSize = 2880

// Write stores a cube as a 32-bit float FITS image, carrying the grid
// and beam keywords of its header so the output overlays the
// observation voxel for voxel.
func Write(path string, c *models.Cube) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	defer f.Close()
	w := bufio.NewWriter(f)

	h := c.Head
	cards := []string{
		card("SIMPLE", "T", "conforms to FITS standard"),
		card("BITPIX", "-32", "32-bit IEEE floats"),
		card("NAXIS", "3", ""),
		card("NAXIS1", fmt.Sprint(c.Nx), ""),
		card("NAXIS2", fmt.Sprint(c.Ny), ""),
		card("NAXIS3", fmt.Sprint(c.Nz), ""),
	}
	for ax := 0; ax < 3; ax++ {
		n := ax + 1
		cards = append(cards,
			card(fmt.Sprintf("CRPIX%d", n), fmtFloat(h.Crpix[ax]), ""),
			card(fmt.Sprintf("CRVAL%d", n), fmtFloat(h.Crval[ax]), ""),
			card(fmt.Sprintf("CDELT%d", n), fmtFloat(h.Cdelt[ax]), ""),
		)
	}
	if h.Beam.Defined() {
		cards = append(cards,
			card("BMAJ", fmtFloat(h.Beam.Maj/3600), "beam major axis [deg]"),
			card("BMIN", fmtFloat(h.Beam.Min/3600), "beam minor axis [deg]"),
			card("BPA", fmtFloat(h.Beam.PA), "beam position angle [deg]"),
		)
	}
	if h.FluxUnit != "" {
		cards = append(cards, card("BUNIT", "'"+h.FluxUnit+"'", ""))
	}
	if h.RestFrq > 0 {
		cards = append(cards, card("RESTFRQ", fmtFloat(h.RestFrq), ""))
	}
	cards = append(cards, fmt.Sprintf("%-80s", "END"))

	for _, c := range cards {
		if _, err := w.WriteString(c); err != nil {
			return fmt.Errorf("writing %s: %w", path, err)
		}
	}
	for pad := len(cards) % cardsPerBlock; pad > 0 && pad < cardsPerBlock; pad++ {
		w.WriteString(fmt.Sprintf("%-80s", ""))
	}

	// Data section: big-endian float32, padded to a full block.
	buf := make([]byte, 4)
	written := 0
	for _, v := range c.Data {
		binary.BigEndian.PutUint32(buf, math.Float32bits(v))
		if _, err := w.Write(buf); err != nil {
			return fmt.Errorf("writing %s: %w", path, err)
		}
		written += 4
	}
	for written%blockSize != 0 {
		w.WriteByte(0)
		written++
	}
	return w.Flush()
}

// card formats one 80-column header card.
func card(key, value, comment string) string {
	s := fmt.Sprintf("%-8s= %20s", key, value)
	if comment != "" {
		s += " / " + comment
	}
	if len(s) > 80 {
		s = s[:80]
	}
	return fmt.Sprintf("%-80s", s)
}

func fmtFloat(v float64) string {
	return fmt.Sprintf("%.10G", v)
}
