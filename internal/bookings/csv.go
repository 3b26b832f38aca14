package bookings

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"smartsched/internal/intake"
	"smartsched/internal/models"
)

// CSVFile reads bookings from a CSV file with the columns start,end and the
// optional title and id. A missing file means no bookings.
type CSVFile struct {
	Path     string
	Location *time.Location
}

func (f *CSVFile) Name() string { return "csv:" + f.Path }

// Bookings reads the file and returns the rows overlapping [from, to).
// Unparseable rows are an error: the file is maintained by this tool.
func (f *CSVFile) Bookings(_ context.Context, from, to time.Time) ([]models.Booking, error) {
	file, err := os.Open(f.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open bookings file: %w", err)
	}
	defer file.Close()

	all, err := ReadCSV(file, f.Location)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", f.Path, err)
	}

	var out []models.Booking
	for _, b := range all {
		if overlaps(b.Start, b.End, from, to) {
			b.Source = f.Name()
			out = append(out, b)
		}
	}
	return out, nil
}

// ReadCSV parses a bookings CSV stream.
func ReadCSV(r io.Reader, loc *time.Location) ([]models.Booking, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read bookings header: %w", err)
	}
	cols := make(map[string]int)
	for i, h := range header {
		name := strings.ToLower(strings.TrimSpace(h))
		switch name {
		case "start_iso":
			name = "start"
		case "end_iso":
			name = "end"
		}
		cols[name] = i
	}
	if _, ok := cols["start"]; !ok {
		return nil, errors.New("bookings file has no start column")
	}
	if _, ok := cols["end"]; !ok {
		return nil, errors.New("bookings file has no end column")
	}

	var out []models.Booking
	for row := 1; ; row++ {
		fields, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("bookings row %d: %w", row, err)
		}
		get := func(col string) string {
			i, ok := cols[col]
			if !ok || i >= len(fields) {
				return ""
			}
			return strings.TrimSpace(fields[i])
		}

		start, err := intake.ParseTime(get("start"), loc)
		if err != nil {
			return nil, fmt.Errorf("bookings row %d: start: %w", row, err)
		}
		end, err := intake.ParseTime(get("end"), loc)
		if err != nil {
			return nil, fmt.Errorf("bookings row %d: end: %w", row, err)
		}
		id := get("id")
		if id == "" {
			id = "csv-" + strconv.Itoa(row)
		}
		out = append(out, models.Booking{ID: id, Title: get("title"), Start: start, End: end})
	}
	return out, nil
}

// Append adds bookings to a CSV file, writing the header if the file is new.
// Accepted slots are recorded this way so later runs see them as busy.
func Append(path string, items []models.Booking) error {
	_, statErr := os.Stat(path)
	isNew := errors.Is(statErr, fs.ErrNotExist)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open bookings file: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if isNew {
		if err := w.Write([]string{"start", "end", "title", "id"}); err != nil {
			return err
		}
	}
	for _, b := range items {
		if err := w.Write([]string{
			b.Start.Format(time.RFC3339),
			b.End.Format(time.RFC3339),
			b.Title,
			b.ID,
		}); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("failed to write bookings file: %w", err)
	}
	return nil
}
