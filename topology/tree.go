package topology

import (
	"fmt"
	"strings"
	"time"

	"github.com/dirsrv/replication"
	"github.com/dustin/go-humanize"
	"github.com/xlab/treeprint"
)

// Tree renders reports for a terminal.
func Tree(reports []Report) string {
	root := treeprint.New()
	for i := range reports {
		addReport(root, &reports[i])
	}
	return root.String()
}

func since(t, now time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return humanize.RelTime(t, now, "ago", "from now")
}

func addReport(root treeprint.Tree, r *Report) {
	id := r.Identity
	title := fmt.Sprintf("%s (%s", r.Suffix, id.Role)
	if id.Role == replication.RoleSupplier {
		title += fmt.Sprintf(", replica id %d", id.ID)
	}
	t := root.AddBranch(title + ")")

	cl := fmt.Sprintf("changelog: %s entries", humanize.Comma(int64(r.ChangelogEntries)))
	if !r.OldestChange.IsZero() {
		cl += ", oldest " + since(r.OldestChange.Timestamp(), r.GeneratedAt)
	}
	t.AddNode(cl)

	rv := t.AddBranch("ruv")
	for _, el := range r.RUV.Elements() {
		line := fmt.Sprintf("replica %d", el.ReplicaID)
		if el.URL != "" {
			line += " " + el.URL
		}
		if el.MaxCSN.IsZero() {
			line += ": no changes"
		} else {
			line += fmt.Sprintf(": %s (%s)", el.MaxCSN, since(el.MaxCSN.Timestamp(), r.GeneratedAt))
		}
		rv.AddNode(line)
	}

	if len(r.Agreements) > 0 {
		ab := t.AddBranch("agreements")
		for i := range r.Agreements {
			addAgreement(ab, &r.Agreements[i], r.GeneratedAt)
		}
	}

	if len(r.Tasks) > 0 {
		tb := t.AddBranch("tasks")
		for _, st := range r.Tasks {
			line := fmt.Sprintf("%s replica id %d [%s]", st.Kind, st.ReplicaID, st.State)
			if st.Message != "" {
				line += " " + st.Message
			}
			tb.AddNode(line)
		}
	}
}

func addAgreement(parent treeprint.Tree, a *AgreementReport, now time.Time) {
	t := parent.AddBranch(fmt.Sprintf("%s -> %s [%s]", a.Name, a.Consumer, a.State))
	t.AddNode("last update: " + since(a.LastUpdateEnd, now))
	t.AddNode(fmt.Sprintf("sent: %s, skipped: %s",
		humanize.Comma(int64(a.ChangesSent)), humanize.Comma(int64(a.ChangesSkipped))))

	switch {
	case a.ProbeError != "":
		t.AddNode("unreachable: " + a.ProbeError)
	case a.InSync():
		t.AddNode("in sync")
	default:
		var behind []string
		for _, l := range a.Lag {
			if l.Consumer.IsZero() {
				behind = append(behind, fmt.Sprintf("replica %d (no changes received)", l.ReplicaID))
				continue
			}
			behind = append(behind, fmt.Sprintf("replica %d by %s", l.ReplicaID, l.Behind))
		}
		t.AddNode("behind: " + strings.Join(behind, ", "))
	}
	if a.LastError != "" {
		t.AddNode(fmt.Sprintf("last error (%s): %s", a.LastErrorCode, a.LastError))
	}
	if a.InitStatus != "" {
		t.AddNode("total init: " + a.InitStatus)
	}
}
