package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"library-circulation/library"
)

const dateLayout = "2006-01-02 15:04"

func parseID(s, what string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s %q", what, s)
	}
	return id, nil
}

// authenticateUser prompts for and verifies the acting member's password.
func (a *app) authenticateUser(cmd *cobra.Command, memberID int64) (library.Principal, error) {
	password, err := readPassword(fmt.Sprintf("Password for member %d: ", memberID))
	if err != nil {
		return library.Principal{}, fmt.Errorf("failed to read password: %w", err)
	}
	return a.mgr.AuthenticateMember(cmd.Context(), memberID, password)
}

// requireAdmin authenticates the member named by --as and requires the
// admin role.
func (a *app) requireAdmin(cmd *cobra.Command) (library.Principal, error) {
	if a.actingID <= 0 {
		return library.Principal{}, fmt.Errorf("%w: --as <admin-id> is required", library.ErrForbidden)
	}
	p, err := a.authenticateUser(cmd, a.actingID)
	if err != nil {
		return library.Principal{}, err
	}
	if p.Role != library.RoleAdmin {
		return library.Principal{}, library.ErrForbidden
	}
	return p, nil
}

// --- Books ---

func (a *app) bookCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "book", Short: "Manage the catalog"}

	var title, author, isbn string
	var copies int
	add := &cobra.Command{
		Use:   "add",
		Short: "Add a book with a number of copies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := a.requireAdmin(cmd); err != nil {
				return err
			}
			id, err := a.mgr.AddBook(cmd.Context(), title, author, isbn, copies)
			if err != nil {
				return err
			}
			fmt.Printf("Book added with ID %d (%d copies).\n", id, copies)
			return nil
		},
	}
	add.Flags().StringVar(&title, "title", "", "book title")
	add.Flags().StringVar(&author, "author", "", "book author")
	add.Flags().StringVar(&isbn, "isbn", "", "ISBN")
	add.Flags().IntVar(&copies, "copies", 1, "number of copies")
	_ = add.MarkFlagRequired("title")
	_ = add.MarkFlagRequired("author")

	list := &cobra.Command{
		Use:   "list",
		Short: "List all books",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			books, err := a.mgr.GetAllBooks(cmd.Context())
			if err != nil {
				return err
			}
			if len(books) == 0 {
				fmt.Println("No books in the library.")
				return nil
			}
			fmt.Printf("%-5s %-30s %-25s %-10s %-10s %-8s\n", "ID", "Title", "Author", "Available", "Borrowed", "Total")
			fmt.Println("------------------------------------------------------------------------------------------")
			for _, b := range books {
				fmt.Printf("%-5d %-30s %-25s %-10d %-10d %-8d\n",
					b.ID, truncateString(b.Title, 30), truncateString(b.Author, 25),
					b.AvailableCopies, b.BorrowedCopies, b.TotalCopies)
			}
			return nil
		},
	}

	setCopies := &cobra.Command{
		Use:   "copies <book-id> <total>",
		Short: "Change the number of copies the library owns",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := a.requireAdmin(cmd); err != nil {
				return err
			}
			id, err := parseID(args[0], "book id")
			if err != nil {
				return err
			}
			total, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid total %q", args[1])
			}
			if err := a.mgr.SetTotalCopies(cmd.Context(), id, total); err != nil {
				return err
			}
			fmt.Printf("Book %d now has %d copies.\n", id, total)
			return nil
		},
	}

	importCmd := &cobra.Command{
		Use:   "import <file.csv>",
		Short: "Import books from a CSV file (title,author,isbn,copies)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := a.requireAdmin(cmd); err != nil {
				return err
			}
			ids, err := a.mgr.ImportBooksFromFile(cmd.Context(), args[0])
			fmt.Printf("Imported %d books.\n", len(ids))
			return err
		},
	}

	cmd.AddCommand(add, list, setCopies, importCmd)
	return cmd
}

// --- Members ---

func (a *app) memberCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "member", Short: "Manage members"}

	var name, role string
	add := &cobra.Command{
		Use:   "add",
		Short: "Register a member (the first member needs no --as)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			existing, err := a.mgr.GetAllMembers(cmd.Context())
			if err != nil {
				return err
			}
			if len(existing) > 0 {
				if _, err := a.requireAdmin(cmd); err != nil {
					return err
				}
			}
			password, err := readPassword("Enter password for new member: ")
			if err != nil {
				return fmt.Errorf("failed to read password: %w", err)
			}
			id, err := a.mgr.AddMember(cmd.Context(), name, library.Role(role), password)
			if err != nil {
				return err
			}
			fmt.Printf("Member added with ID %d.\n", id)
			return nil
		},
	}
	add.Flags().StringVar(&name, "name", "", "member name")
	add.Flags().StringVar(&role, "role", string(library.RoleUser), "role: admin, user or guest")
	_ = add.MarkFlagRequired("name")

	list := &cobra.Command{
		Use:   "list",
		Short: "List all members",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := a.requireAdmin(cmd); err != nil {
				return err
			}
			members, err := a.mgr.GetAllMembers(cmd.Context())
			if err != nil {
				return err
			}
			if len(members) == 0 {
				fmt.Println("No members registered.")
				return nil
			}
			fmt.Printf("%-5s %-30s %-8s %-15s\n", "ID", "Name", "Role", "Password Set")
			fmt.Println("------------------------------------------------------------")
			for _, m := range members {
				passwordStatus := "No"
				if m.PasswordHash != "" {
					passwordStatus = "Yes"
				}
				fmt.Printf("%-5d %-30s %-8s %-15s\n", m.ID, truncateString(m.Name, 30), m.Role, passwordStatus)
			}
			return nil
		},
	}

	passwd := &cobra.Command{
		Use:   "passwd <member-id>",
		Short: "Reset a password (your own, or anyone's as an admin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "member id")
			if err != nil {
				return err
			}
			if a.actingID != id {
				if _, err := a.requireAdmin(cmd); err != nil {
					return err
				}
			} else if _, err := a.authenticateUser(cmd, id); err != nil {
				return err
			}
			password, err := readPassword("Enter new password: ")
			if err != nil {
				return fmt.Errorf("failed to read password: %w", err)
			}
			if err := a.mgr.ResetMemberPassword(cmd.Context(), id, password); err != nil {
				return err
			}
			fmt.Println("Password updated.")
			return nil
		},
	}

	cmd.AddCommand(add, list, passwd)
	return cmd
}

// --- Circulation ---

func (a *app) borrowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "borrow <member-id> <book-id>",
		Short: "Borrow a book",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			memberID, err := parseID(args[0], "member id")
			if err != nil {
				return err
			}
			bookID, err := parseID(args[1], "book id")
			if err != nil {
				return err
			}
			p, err := a.authenticateUser(cmd, memberID)
			if err != nil {
				return err
			}
			tx, err := a.mgr.Borrow(cmd.Context(), p, bookID)
			if err != nil {
				return err
			}
			fmt.Printf("Borrowed %q. Transaction %s, due %s.\n", tx.Book.Title, tx.ID, tx.DueDate.Local().Format(dateLayout))
			return nil
		},
	}
}

func (a *app) returnCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "return <member-id> <transaction-id>",
		Short: "Return a borrowed book",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			memberID, err := parseID(args[0], "member id")
			if err != nil {
				return err
			}
			p, err := a.authenticateUser(cmd, memberID)
			if err != nil {
				return err
			}
			tx, err := a.mgr.Return(cmd.Context(), p, args[1])
			if err != nil {
				return err
			}
			fmt.Printf("Returned %q.\n", tx.Book.Title)
			if tx.Fine.Amount.IsPositive() {
				fmt.Printf("Returned late: a fine of %s is pending.\n", tx.Fine.Amount.StringFixed(2))
			}
			return nil
		},
	}
}

func (a *app) renewCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "renew <member-id> <transaction-id>",
		Short: "Extend a loan by one loan period",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			memberID, err := parseID(args[0], "member id")
			if err != nil {
				return err
			}
			p, err := a.authenticateUser(cmd, memberID)
			if err != nil {
				return err
			}
			tx, err := a.mgr.Renew(cmd.Context(), p, args[1])
			if err != nil {
				return err
			}
			fmt.Printf("Renewed %q. New due date %s (renewal %d).\n",
				tx.Book.Title, tx.DueDate.Local().Format(dateLayout), tx.RenewalCount)
			return nil
		},
	}
}

func (a *app) loansCmd() *cobra.Command {
	var all bool
	var status string
	var page, limit int
	cmd := &cobra.Command{
		Use:   "loans <member-id>",
		Short: "List a member's loans, or every loan with --all (admins only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			memberID, err := parseID(args[0], "member id")
			if err != nil {
				return err
			}
			p, err := a.authenticateUser(cmd, memberID)
			if err != nil {
				return err
			}
			if !all {
				txs, err := a.mgr.MyBorrowings(cmd.Context(), p)
				if err != nil {
					return err
				}
				printLoans(txs, a.mgr.Now())
				return nil
			}
			if p.Role != library.RoleAdmin {
				return library.ErrForbidden
			}
			res, err := a.mgr.AllBorrowings(cmd.Context(), library.ListQuery{
				Status:   library.LoanStatus(status),
				Page:     page,
				PageSize: limit,
			})
			if err != nil {
				return err
			}
			printLoans(res.Items, a.mgr.Now())
			fmt.Printf("Page %d of %d (%d loans)\n", res.Page, res.TotalPages, res.Total)
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "list every member's loans")
	cmd.Flags().StringVar(&status, "status", "", "filter: borrowed, returned or overdue")
	cmd.Flags().IntVar(&page, "page", 1, "page number")
	cmd.Flags().IntVar(&limit, "limit", 20, "page size")
	return cmd
}

func printLoans(txs []*library.Transaction, now time.Time) {
	if len(txs) == 0 {
		fmt.Println("No loans.")
		return
	}
	fmt.Printf("%-36s %-6s %-30s %-16s %-9s %-8s %s\n", "Transaction", "Member", "Title", "Due", "Status", "Renewals", "Fine")
	fmt.Println("--------------------------------------------------------------------------------------------------------------------")
	for _, tx := range txs {
		title := ""
		if tx.Book != nil {
			title = tx.Book.Title
		}
		fmt.Printf("%-36s %-6d %-30s %-16s %-9s %-8d %s\n",
			tx.ID, tx.MemberID, truncateString(title, 30), tx.DueDate.Local().Format(dateLayout),
			tx.EffectiveStatus(now), tx.RenewalCount, tx.Fine.Amount.StringFixed(2))
	}
}

func (a *app) historyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <member-id>",
		Short: "Show a member's borrowing history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			memberID, err := parseID(args[0], "member id")
			if err != nil {
				return err
			}
			p, err := a.authenticateUser(cmd, memberID)
			if err != nil {
				return err
			}
			entries, err := a.mgr.History(cmd.Context(), p.MemberID)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("No borrowing history.")
				return nil
			}
			fmt.Printf("%-6s %-16s %-16s %-16s %s\n", "Book", "Borrowed", "Due", "Returned", "Status")
			for _, h := range entries {
				returned := "-"
				if h.ReturnDate != nil {
					returned = h.ReturnDate.Local().Format(dateLayout)
				}
				fmt.Printf("%-6d %-16s %-16s %-16s %s\n", h.BookID,
					h.BorrowDate.Local().Format(dateLayout), h.DueDate.Local().Format(dateLayout), returned, h.Status)
			}
			return nil
		},
	}
}

// --- Fines ---

func (a *app) finesCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "fines", Short: "Review and settle overdue fines"}

	var status string
	var memberID int64
	var page, limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List fines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := a.requireAdmin(cmd); err != nil {
				return err
			}
			res, err := a.mgr.Fines(cmd.Context(), library.FineQuery{
				Status:   library.FineStatus(status),
				MemberID: memberID,
				Page:     page,
				PageSize: limit,
			})
			if err != nil {
				return err
			}
			if res.Total == 0 {
				fmt.Println("No fines.")
				return nil
			}
			fmt.Printf("%-36s %-6s %-10s %-8s %s\n", "Fine", "Member", "Amount", "Status", "Reason")
			for _, f := range res.Items {
				fmt.Printf("%-36s %-6d %-10s %-8s %s\n", f.ID, f.MemberID, f.Amount.StringFixed(2), f.Status, f.Reason)
			}
			fmt.Printf("Page %d of %d (%d fines)\n", res.Page, res.TotalPages, res.Total)
			return nil
		},
	}
	list.Flags().StringVar(&status, "status", "", "filter: pending, paid or waived")
	list.Flags().Int64Var(&memberID, "member", 0, "only this member's fines")
	list.Flags().IntVar(&page, "page", 1, "page number")
	list.Flags().IntVar(&limit, "limit", 20, "page size")

	var method string
	pay := &cobra.Command{
		Use:   "pay <fine-id>",
		Short: "Mark a fine as paid",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := a.requireAdmin(cmd); err != nil {
				return err
			}
			f, err := a.mgr.SettleFine(cmd.Context(), args[0], library.FinePaid, method)
			if err != nil {
				return err
			}
			fmt.Printf("Fine %s of %s paid.\n", f.ID, f.Amount.StringFixed(2))
			return nil
		},
	}
	pay.Flags().StringVar(&method, "method", "cash", "payment method")

	waive := &cobra.Command{
		Use:   "waive <fine-id>",
		Short: "Waive a fine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := a.requireAdmin(cmd); err != nil {
				return err
			}
			f, err := a.mgr.SettleFine(cmd.Context(), args[0], library.FineWaived, "")
			if err != nil {
				return err
			}
			fmt.Printf("Fine %s waived.\n", f.ID)
			return nil
		},
	}

	cmd.AddCommand(list, pay, waive)
	return cmd
}
