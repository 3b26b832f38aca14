package publish

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"

	"smartsched/internal/models"
)

const (
	// ICloudEndpoint is used when no CalDAV endpoint is configured.
	ICloudEndpoint = "https://caldav.icloud.com/"
)

// userAgentTransport sets the User-Agent on each request.
type userAgentTransport struct {
	Transport http.RoundTripper
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.Header.Set("User-Agent", "smartsched/1.0")
	return t.Transport.RoundTrip(req)
}

// Options configures a CalDAVClient.
type Options struct {
	Endpoint     string
	Username     string
	Password     string
	CalendarName string
	ProductID    string
	Organizer    string // Organizer email, optional
	HTTPClient   *http.Client
}

// CalDAVClient publishes invites to one calendar on a CalDAV server.
type CalDAVClient struct {
	caldavClient *caldav.Client
	logger       *slog.Logger
	calendarPath string
	productID    string
	organizer    string
}

// NewClient connects to the CalDAV server and looks up the calendar by name.
func NewClient(ctx context.Context, logger *slog.Logger, opts Options) (*CalDAVClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	endpoint := opts.Endpoint
	if endpoint == "" {
		endpoint = ICloudEndpoint
	}
	base := opts.HTTPClient
	if base == nil {
		base = &http.Client{}
	}
	transport := base.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	httpClient := &http.Client{
		Transport: &userAgentTransport{Transport: transport},
		Timeout:   base.Timeout,
	}

	var davClient webdav.HTTPClient = httpClient
	if opts.Username != "" {
		davClient = webdav.HTTPClientWithBasicAuth(httpClient, opts.Username, opts.Password)
	}

	caldavClient, err := caldav.NewClient(davClient, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create caldav client: %w", err)
	}

	c := &CalDAVClient{
		caldavClient: caldavClient,
		logger:       logger,
		productID:    opts.ProductID,
		organizer:    opts.Organizer,
	}
	if c.productID == "" {
		c.productID = "-//smartsched//EN"
	}

	logger.Info("Finding CalDAV calendar", "calendarName", opts.CalendarName)
	calendarPath, err := c.findCalendar(ctx, opts.CalendarName)
	if err != nil {
		return nil, fmt.Errorf("could not find calendar '%s': %w", opts.CalendarName, err)
	}
	c.calendarPath = calendarPath
	logger.Info("Found CalDAV calendar", "path", calendarPath)

	return c, nil
}

// Publish creates or replaces the calendar object for an invite. The object
// path is derived from the UID, so publishing the same invite twice
// overwrites instead of duplicating.
func (c *CalDAVClient) Publish(ctx context.Context, inv models.Invite) error {
	c.logger.Debug("Publishing invite", "summary", inv.Summary, "uid", inv.UID)

	cal := ToCalendar(inv, c.productID, c.organizer)
	objectPath := path.Join(c.calendarPath, url.PathEscape(inv.UID)+".ics")

	if _, err := c.caldavClient.PutCalendarObject(ctx, objectPath, cal); err != nil {
		return fmt.Errorf("failed to put calendar object: %w", err)
	}

	c.logger.Info("Published invite", "summary", inv.Summary, "record", inv.RecordID)
	return nil
}

// ToCalendar wraps an invite in a single-event calendar.
func ToCalendar(inv models.Invite, productID, organizer string) *ical.Calendar {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, productID)
	cal.Children = append(cal.Children, toICal(inv, organizer))
	return cal
}

// toICal converts an invite to a VEVENT component.
func toICal(inv models.Invite, organizer string) *ical.Component {
	ve := ical.NewComponent(ical.CompEvent)
	ve.Props.SetText(ical.PropUID, inv.UID)
	ve.Props.SetText(ical.PropSummary, inv.Summary)
	ve.Props.SetDateTime(ical.PropDateTimeStamp, inv.Stamp.UTC())
	ve.Props.SetDateTime(ical.PropDateTimeStart, inv.Start.UTC())
	ve.Props.SetDateTime(ical.PropDateTimeEnd, inv.End.UTC())
	ve.Props.SetText(ical.PropStatus, "CONFIRMED")

	if inv.Description != "" {
		ve.Props.SetText(ical.PropDescription, inv.Description)
	}
	// ORGANIZER and ATTENDEE are CAL-ADDRESS values, so Value is set
	// directly rather than through SetText.
	if organizer != "" {
		p := ical.NewProp(ical.PropOrganizer)
		p.Value = "mailto:" + organizer
		ve.Props.Add(p)
	}
	if inv.Email != "" {
		p := ical.NewProp(ical.PropAttendee)
		p.Value = "mailto:" + inv.Email
		if inv.Participant != "" {
			p.Params.Set(ical.ParamCommonName, inv.Participant)
		}
		p.Params.Set(ical.ParamRole, "REQ-PARTICIPANT")
		p.Params.Set(ical.ParamRSVP, "TRUE")
		ve.Props.Add(p)
	}
	return ve
}

// findCalendar discovers the user's calendars and returns the path of the one with the matching name.
func (c *CalDAVClient) findCalendar(ctx context.Context, name string) (string, error) {
	principalPath, err := c.caldavClient.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to find principal path: %w", err)
	}

	homeSetPath, err := c.caldavClient.FindCalendarHomeSet(ctx, principalPath)
	if err != nil {
		return "", fmt.Errorf("failed to find calendar home set: %w", err)
	}

	calendars, err := c.caldavClient.FindCalendars(ctx, homeSetPath)
	if err != nil {
		return "", fmt.Errorf("failed to find calendars: %w", err)
	}

	for _, cal := range calendars {
		if cal.Name == name || strings.Trim(path.Base(cal.Path), "/") == name {
			return cal.Path, nil
		}
	}

	return "", fmt.Errorf("no calendar found with name '%s'", name)
}
